package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func CreateTaskRecord(ctx context.Context, db *gorm.DB, project, taskType string, epoch, epochs int) (uuid.UUID, error) {
	record := TaskRecord{
		Id:           uuid.New(),
		Project:      project,
		Type:         taskType,
		Status:       TaskQueued,
		Epoch:        epoch,
		Epochs:       epochs,
		CreationTime: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		slog.Error("error creating task record", "project", project, "type", taskType, "error", err)
		return uuid.Nil, err
	}
	return record.Id, nil
}

func UpdateTaskStatus(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	now := time.Now().UTC()
	if status == TaskRunning {
		updates["start_time"] = now
	}
	if status == TaskCompleted || status == TaskFailed {
		updates["completion_time"] = now
	}

	if err := txn.WithContext(ctx).Model(&TaskRecord{Id: taskId}).Updates(updates).Error; err != nil {
		slog.Error("error updating task status", "task_id", taskId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateTaskProgress(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, done, total int, message string) error {
	updates := map[string]any{"done": done, "total": total}
	if message != "" {
		updates["message"] = message
	}

	if err := txn.WithContext(ctx).Model(&TaskRecord{Id: taskId}).Updates(updates).Error; err != nil {
		slog.Error("error updating task progress", "task_id", taskId, "error", err)
		return err
	}
	return nil
}

func SaveTaskFault(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, stage, reason string) {
	fault := TaskFault{
		TaskId:    taskId,
		FaultId:   uuid.New(),
		Stage:     stage,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&fault).Error; err != nil {
		slog.Error("error saving task fault", "task_id", taskId, "error", err)
	}
}
