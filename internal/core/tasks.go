package core

import (
	"context"
	"fmt"
	"log/slog"

	"aide-backend/internal/metadata"
	"aide-backend/internal/modelstate"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StateStore is the slice of the model state store the task functions use.
type StateStore interface {
	LoadLatest(ctx context.Context, project, modelLibrary string) (modelstate.Latest, error)
	Save(ctx context.Context, params modelstate.SaveParams) (uuid.UUID, error)
	LoadPartialStates(ctx context.Context, project, modelLibrary string) ([]modelstate.PartialState, error)
	PurgePartialStates(ctx context.Context, project string) error
}

// Job identifies one task invocation. Epoch/Epochs describe the position in
// a multi-round train/average/infer cycle and only affect progress messages.
type Job struct {
	TaskId  uuid.UUID
	Project string
	Epoch   int
	Epochs  int

	ModelLibrary string
	AlCriterion  string

	// Autoupdate mirrors the project's label-class auto-update setting at
	// dispatch time.
	Autoupdate bool
}

// TaskRunner executes the four task functions. Every run follows the same
// state machine: PREPARING, stage-specific work, FINALIZING, then SUCCESS or
// FAILURE from any stage. It holds no per-task state and is safe for
// concurrent use.
type TaskRunner struct {
	DB       *gorm.DB
	Store    StateStore
	Reporter ProgressReporter
}

func NewTaskRunner(db *gorm.DB, store StateStore, reporter ProgressReporter) *TaskRunner {
	if reporter == nil {
		reporter = SlogReporter{}
	}
	return &TaskRunner{DB: db, Store: store, Reporter: reporter}
}

func (r *TaskRunner) report(job Job, state TaskState, done, total int, message string) {
	if job.Epochs > 1 {
		message = fmt.Sprintf("[Epoch %d/%d] %s", job.Epoch, job.Epochs, message)
	}
	r.Reporter.Report(ProgressEvent{
		TaskId:  job.TaskId,
		Project: job.Project,
		Epoch:   job.Epoch,
		Epochs:  job.Epochs,
		Done:    done,
		Total:   total,
		Message: message,
		State:   state,
	})
}

func (r *TaskRunner) progressFunc(job Job, state TaskState) ProgressFunc {
	return func(message string, done, total int) {
		r.report(job, state, done, total, message)
	}
}

// fail emits the terminal FAILURE event and wraps the cause once with
// project, epoch and stage. The queue layer owns retries; nothing is retried
// here.
func (r *TaskRunner) fail(job Job, stage Stage, err error) error {
	taskErr := &TaskError{Stage: stage, Project: job.Project, Epoch: job.Epoch, Err: err}
	r.report(job, StateFailure, 0, 0, taskErr.Error())
	return taskErr
}

// Update adapts the latest model state to label classes created after the
// state was. A model without the update capability, or a project with
// auto-update disabled on both the project and the loaded state, makes this
// a successful no-op.
func (r *TaskRunner) Update(ctx context.Context, job Job, model Model) error {
	r.report(job, StatePreparing, 0, 0, "preparing model update")

	if !model.Capabilities().Has(CapabilityUpdate) {
		slog.Warn("model does not support label class updates, skipping", "project", job.Project, "model", job.ModelLibrary)
		r.report(job, StateSuccess, 0, 0, "model does not support updates, skipped")
		return nil
	}

	latest, err := r.Store.LoadLatest(ctx, job.Project, job.ModelLibrary)
	if err != nil {
		return r.fail(job, StageLoadingState, err)
	}

	if !job.Autoupdate && !latest.Autoupdate {
		r.report(job, StateSuccess, 0, 0, "label class auto-update disabled, skipped")
		return nil
	}

	meta, err := metadata.Load(ctx, r.DB, job.Project, nil, true, latest.OriginId)
	if err != nil {
		return r.fail(job, StageLoadingMetadata, err)
	}

	state, err := model.UpdateLabelClasses(ctx, latest.StateDict, meta, r.progressFunc(job, StateProcessing))
	if err != nil {
		return r.fail(job, StageModelCall, err)
	}

	r.report(job, StateFinalizing, 0, 0, "saving updated model state")

	// The updated state is stored partial, matching the lifecycle the
	// scheduler drives: a train/average round follows before it becomes
	// authoritative.
	_, err = r.Store.Save(ctx, modelstate.SaveParams{
		Project:      job.Project,
		StateDict:    state,
		Partial:      true,
		ModelLibrary: job.ModelLibrary,
		AlCriterion:  job.AlCriterion,
		OriginId:     latest.OriginId,
		Autoupdate:   latest.Autoupdate,
	})
	if err != nil {
		return r.fail(job, StageCommitting, err)
	}

	r.report(job, StateSuccess, 0, 0, "model update complete")
	return nil
}

// Train runs one training pass over the given image set. isSubset marks the
// image set as one worker's share of a larger batch; the resulting state is
// then partial and awaits averaging. An empty image set is a hard error.
func (r *TaskRunner) Train(ctx context.Context, job Job, model Model, imageIds []uuid.UUID, isSubset bool) error {
	if len(imageIds) == 0 {
		return r.fail(job, StagePreparing, fmt.Errorf("training requires at least one image"))
	}

	r.report(job, StatePreparing, 0, len(imageIds), "preparing training")

	latest, err := r.Store.LoadLatest(ctx, job.Project, job.ModelLibrary)
	if err != nil {
		return r.fail(job, StageLoadingState, err)
	}

	meta, err := metadata.Load(ctx, r.DB, job.Project, imageIds, true, latest.OriginId)
	if err != nil {
		return r.fail(job, StageLoadingMetadata, err)
	}

	state, stats, err := model.Train(ctx, latest.StateDict, meta, r.progressFunc(job, StateProcessing))
	if err != nil {
		return r.fail(job, StageModelCall, err)
	}

	r.report(job, StateFinalizing, len(imageIds), len(imageIds), "saving trained model state")

	_, err = r.Store.Save(ctx, modelstate.SaveParams{
		Project:      job.Project,
		StateDict:    state,
		Stats:        stats,
		Partial:      isSubset,
		ModelLibrary: job.ModelLibrary,
		AlCriterion:  job.AlCriterion,
		OriginId:     latest.OriginId,
		Autoupdate:   latest.Autoupdate,
	})
	if err != nil {
		return r.fail(job, StageCommitting, err)
	}

	r.report(job, StateSuccess, len(imageIds), len(imageIds), "training complete")
	return nil
}

// Average combines all partial states into one authoritative state. Zero
// partial states is the normal single-worker case and succeeds as a no-op.
// The combined state is saved before the partials are purged, so a failure
// in between leaves a re-runnable store rather than lost work.
func (r *TaskRunner) Average(ctx context.Context, job Job, model Model) error {
	r.report(job, StatePreparing, 0, 0, "collecting partial model states")

	partials, err := r.Store.LoadPartialStates(ctx, job.Project, job.ModelLibrary)
	if err != nil {
		return r.fail(job, StageLoadingState, err)
	}

	if len(partials) == 0 {
		r.report(job, StateSuccess, 0, 0, "no partial model states to combine")
		return nil
	}

	states := make([][]byte, len(partials))
	for i, p := range partials {
		states[i] = p.StateDict
	}

	combined, err := model.AverageStates(ctx, states, r.progressFunc(job, StateProcessing))
	if err != nil {
		return r.fail(job, StageModelCall, err)
	}

	r.report(job, StateFinalizing, len(partials), len(partials), "saving combined model state")

	originId := partials[0].OriginId
	autoupdate := partials[0].Autoupdate

	_, err = r.Store.Save(ctx, modelstate.SaveParams{
		Project:      job.Project,
		StateDict:    combined,
		Stats:        averageStats(partials),
		Partial:      false,
		ModelLibrary: job.ModelLibrary,
		AlCriterion:  job.AlCriterion,
		OriginId:     originId,
		Autoupdate:   autoupdate,
	})
	if err != nil {
		return r.fail(job, StageCommitting, err)
	}

	if err := r.Store.PurgePartialStates(ctx, job.Project); err != nil {
		return r.fail(job, StageCommitting, err)
	}

	r.report(job, StateSuccess, len(partials), len(partials), fmt.Sprintf("combined %d partial model states", len(partials)))
	return nil
}

// averageStats merges the statistics of the partial states by per-key
// arithmetic mean over the states that report that key.
func averageStats(partials []modelstate.PartialState) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, p := range partials {
		for key, value := range p.Stats {
			sums[key] += value
			counts[key]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	stats := make(map[string]float64, len(sums))
	for key, sum := range sums {
		stats[key] = sum / float64(counts[key])
	}
	return stats
}

// Infer runs inference over the given image set, optionally ranked by an AL
// criterion, and commits the resulting predictions. chunkSize > 0 partitions
// the set into fixed-size chunks committed independently: a failure in chunk
// k leaves chunks 1..k-1 durable, and re-running the task may append
// duplicate rows for those chunks.
func (r *TaskRunner) Infer(ctx context.Context, job Job, model Model, criterion RankingCriterion, imageIds []uuid.UUID, chunkSize int) error {
	if len(imageIds) == 0 {
		return r.fail(job, StagePreparing, fmt.Errorf("inference requires at least one image"))
	}

	r.report(job, StatePreparing, 0, len(imageIds), "preparing inference")

	latest, err := r.Store.LoadLatest(ctx, job.Project, job.ModelLibrary)
	if err != nil {
		return r.fail(job, StageLoadingState, err)
	}
	if !latest.Exists {
		return r.fail(job, StageLoadingState, fmt.Errorf("no trained model state exists for project %s", job.Project))
	}

	if chunkSize <= 0 {
		chunkSize = len(imageIds)
	}
	numChunks := (len(imageIds) + chunkSize - 1) / chunkSize

	done := 0
	for chunk := 0; chunk < numChunks; chunk++ {
		start := chunk * chunkSize
		end := min(start+chunkSize, len(imageIds))
		chunkIds := imageIds[start:end]
		chunkTag := fmt.Sprintf("chunk %d/%d", chunk+1, numChunks)

		meta, err := metadata.Load(ctx, r.DB, job.Project, chunkIds, false, latest.OriginId)
		if err != nil {
			return r.fail(job, StageLoadingMetadata, fmt.Errorf("%s: %w", chunkTag, err))
		}

		output, err := model.Inference(ctx, latest.StateDict, meta, r.progressFunc(job, StateProcessing))
		if err != nil {
			return r.fail(job, StageModelCall, fmt.Errorf("%s: %w", chunkTag, err))
		}

		if criterion != nil {
			ApplyRanking(criterion, output)
		}

		results, err := AssembleResults(meta, latest.StateId, output)
		if err != nil {
			return r.fail(job, StageCommitting, fmt.Errorf("%s: %w", chunkTag, err))
		}
		if err := CommitResults(ctx, r.DB, results); err != nil {
			return r.fail(job, StageCommitting, fmt.Errorf("%s: %w", chunkTag, err))
		}

		done += len(chunkIds)
		r.report(job, StateProcessing, done, len(imageIds), fmt.Sprintf("committed predictions for %s", chunkTag))
	}

	r.report(job, StateFinalizing, len(imageIds), len(imageIds), "inference committed")
	r.report(job, StateSuccess, len(imageIds), len(imageIds), "inference complete")
	return nil
}
