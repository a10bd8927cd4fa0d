package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"aide-backend/internal/database"
	"aide-backend/internal/messaging"
	"aide-backend/internal/storage"

	"gorm.io/gorm"
)

// TaskProcessor consumes task messages and drives the TaskRunner. It owns
// the task record lifecycle (QUEUED -> RUNNING -> COMPLETED/FAILED) and the
// translation of a task failure into a persisted fault.
type TaskProcessor struct {
	db       *gorm.DB
	provider storage.Provider
	bucket   string
	reciever messaging.Reciever
	runner   *TaskRunner
}

func NewTaskProcessor(db *gorm.DB, provider storage.Provider, bucket string, reciever messaging.Reciever, runner *TaskRunner) *TaskProcessor {
	return &TaskProcessor{
		db:       db,
		provider: provider,
		bucket:   bucket,
		reciever: reciever,
		runner:   runner,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.UpdateQueue:
		var payload messaging.UpdateTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling update task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processUpdateTask(ctx, payload)

	case messaging.TrainingQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling training task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	case messaging.AverageQueue:
		var payload messaging.AverageTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling average task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processAverageTask(ctx, payload)

	case messaging.InferenceQueue:
		var payload messaging.InferenceTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling inference task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processInferenceTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// taskSetup is the resolved context for one task run: the project row with
// defaults applied, the constructed model, and the runner job.
type taskSetup struct {
	project database.Project
	model   Model
	job     Job
}

func (proc *TaskProcessor) setup(ctx context.Context, header messaging.TaskHeader) (*taskSetup, error) {
	var project database.Project
	if err := proc.db.WithContext(ctx).First(&project, "shortname = ?", header.Project).Error; err != nil {
		slog.Error("error fetching project for task", "project", header.Project, "error", err)
		return nil, err
	}

	modelLibrary := header.ModelLibrary
	if modelLibrary == "" {
		modelLibrary = project.DefaultModelLibrary
	}

	model, err := CreateModel(modelLibrary, ModelOptions{
		Project:  header.Project,
		Settings: header.ModelSettings,
		DB:       proc.db,
		Files:    storage.NewProjectFileServer(proc.provider, proc.bucket, header.Project),
	})
	if err != nil {
		return nil, err
	}

	return &taskSetup{
		project: project,
		model:   model,
		job: Job{
			TaskId:       header.TaskId,
			Project:      header.Project,
			Epoch:        header.Epoch,
			Epochs:       header.Epochs,
			ModelLibrary: modelLibrary,
			AlCriterion:  project.DefaultAlCriterion,
			Autoupdate:   project.LabelclassAutoupdate,
		},
	}, nil
}

// run brackets one task invocation with its record lifecycle. Setup failures
// are configuration errors: the task never starts and its record goes
// straight to FAILED.
func (proc *TaskProcessor) run(ctx context.Context, header messaging.TaskHeader, invoke func(*taskSetup) error) error {
	setup, err := proc.setup(ctx, header)
	if err != nil {
		proc.recordFailure(ctx, header, err)
		return err
	}

	if err := database.UpdateTaskStatus(ctx, proc.db, header.TaskId, database.TaskRunning); err != nil {
		slog.Warn("could not mark task as running", "task_id", header.TaskId, "error", err)
	}

	if err := invoke(setup); err != nil {
		proc.recordFailure(ctx, header, err)
		return err
	}

	return database.UpdateTaskStatus(ctx, proc.db, header.TaskId, database.TaskCompleted)
}

func (proc *TaskProcessor) recordFailure(ctx context.Context, header messaging.TaskHeader, cause error) {
	stage := StagePreparing
	var taskErr *TaskError
	if errors.As(cause, &taskErr) {
		stage = taskErr.Stage
	}

	database.SaveTaskFault(ctx, proc.db, header.TaskId, string(stage), cause.Error())
	if err := database.UpdateTaskStatus(ctx, proc.db, header.TaskId, database.TaskFailed); err != nil {
		slog.Error("could not mark task as failed", "task_id", header.TaskId, "error", err)
	}
}

func (proc *TaskProcessor) processUpdateTask(ctx context.Context, payload messaging.UpdateTaskPayload) error {
	return proc.run(ctx, payload.TaskHeader, func(setup *taskSetup) error {
		return proc.runner.Update(ctx, setup.job, setup.model)
	})
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	return proc.run(ctx, payload.TaskHeader, func(setup *taskSetup) error {
		return proc.runner.Train(ctx, setup.job, setup.model, payload.ImageIds, payload.IsSubset)
	})
}

func (proc *TaskProcessor) processAverageTask(ctx context.Context, payload messaging.AverageTaskPayload) error {
	return proc.run(ctx, payload.TaskHeader, func(setup *taskSetup) error {
		return proc.runner.Average(ctx, setup.job, setup.model)
	})
}

func (proc *TaskProcessor) processInferenceTask(ctx context.Context, payload messaging.InferenceTaskPayload) error {
	return proc.run(ctx, payload.TaskHeader, func(setup *taskSetup) error {
		criterionName := payload.AlCriterion
		if criterionName == "" {
			criterionName = setup.project.DefaultAlCriterion
		}
		criterion, err := NewCriterion(criterionName, payload.AlSettings)
		if err != nil {
			return err
		}

		setup.job.AlCriterion = criterionName
		return proc.runner.Infer(ctx, setup.job, setup.model, criterion, payload.ImageIds, setup.project.InferenceChunkSize)
	})
}
