package core

import "fmt"

// Stage names the pipeline step at which a task failed, so operators can
// tell data problems from model-code problems from storage problems.
type Stage string

const (
	StagePreparing       Stage = "preparing"
	StageLoadingState    Stage = "loading state"
	StageLoadingMetadata Stage = "loading metadata"
	StageModelCall       Stage = "executing model call"
	StageCommitting      Stage = "committing results"
)

// TaskError is the single error a task function returns: the original cause
// annotated with project, epoch and stage. Stage-local errors are wrapped
// exactly once and re-raised to the queue layer, never swallowed or retried
// internally.
type TaskError struct {
	Stage   Stage
	Project string
	Epoch   int
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("project %s (epoch %d): %s: %v", e.Project, e.Epoch, e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
