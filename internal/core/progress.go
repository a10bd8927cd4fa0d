package core

import (
	"context"
	"log/slog"
	"sync"

	"aide-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TaskState string

const (
	StatePreparing  TaskState = "PREPARING"
	StateProcessing TaskState = "PROCESSING"
	StateFinalizing TaskState = "FINALIZING"
	StateSuccess    TaskState = "SUCCESS"
	StateFailure    TaskState = "FAILURE"
)

// ProgressEvent is one structured status update emitted during a task. Done
// and Total are optional (zero Total means "no count available") and
// non-decreasing within one task's lifetime.
type ProgressEvent struct {
	TaskId  uuid.UUID
	Project string
	Epoch   int
	Epochs  int
	Done    int
	Total   int
	Message string
	State   TaskState
}

// ProgressReporter is the sink for progress events; the external monitoring
// layer consumes them. Implementations must tolerate concurrent tasks.
type ProgressReporter interface {
	Report(event ProgressEvent)
}

type SlogReporter struct{}

func (SlogReporter) Report(e ProgressEvent) {
	slog.Info("task progress",
		"task_id", e.TaskId,
		"project", e.Project,
		"epoch", e.Epoch,
		"state", e.State,
		"done", e.Done,
		"total", e.Total,
		"message", e.Message,
	)
}

// RecordReporter mirrors progress into the task record so it is queryable
// through the dispatch API between (and during) chunks.
type RecordReporter struct {
	DB *gorm.DB
}

func (r RecordReporter) Report(e ProgressEvent) {
	if e.TaskId == uuid.Nil {
		return
	}
	_ = database.UpdateTaskProgress(context.Background(), r.DB, e.TaskId, e.Done, e.Total, e.Message)
}

type multiReporter []ProgressReporter

func (m multiReporter) Report(e ProgressEvent) {
	for _, r := range m {
		r.Report(e)
	}
}

func CombineReporters(reporters ...ProgressReporter) ProgressReporter {
	return multiReporter(reporters)
}

// CollectReporter records every event, for tests.
type CollectReporter struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (c *CollectReporter) Report(e ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *CollectReporter) Events() []ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ProgressEvent(nil), c.events...)
}
