package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"aide-backend/internal/database"
	"aide-backend/internal/metadata"
	"aide-backend/internal/modelstate"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeStore struct {
	latest   modelstate.Latest
	partials []modelstate.PartialState

	saves    []modelstate.SaveParams
	purges   int
	loads    int
	failSave error
}

func (s *fakeStore) LoadLatest(ctx context.Context, project, modelLibrary string) (modelstate.Latest, error) {
	s.loads++
	return s.latest, nil
}

func (s *fakeStore) Save(ctx context.Context, params modelstate.SaveParams) (uuid.UUID, error) {
	if s.failSave != nil {
		return uuid.Nil, s.failSave
	}
	s.saves = append(s.saves, params)
	return uuid.New(), nil
}

func (s *fakeStore) LoadPartialStates(ctx context.Context, project, modelLibrary string) ([]modelstate.PartialState, error) {
	s.loads++
	return s.partials, nil
}

func (s *fakeStore) PurgePartialStates(ctx context.Context, project string) error {
	s.purges++
	s.partials = nil
	return nil
}

type fakeModel struct {
	caps CapabilitySet

	train     func(state []byte, data *metadata.TaskMetadata) ([]byte, map[string]float64, error)
	inference func(state []byte, data *metadata.TaskMetadata) (map[uuid.UUID]ImageOutput, error)
	average   func(states [][]byte) ([]byte, error)
	update    func(state []byte, data *metadata.TaskMetadata) ([]byte, error)
}

func (m *fakeModel) Capabilities() CapabilitySet { return m.caps }

func (m *fakeModel) Train(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) ([]byte, map[string]float64, error) {
	return m.train(state, data)
}

func (m *fakeModel) Inference(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) (map[uuid.UUID]ImageOutput, error) {
	return m.inference(state, data)
}

func (m *fakeModel) AverageStates(ctx context.Context, states [][]byte, progress ProgressFunc) ([]byte, error) {
	return m.average(states)
}

func (m *fakeModel) UpdateLabelClasses(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) ([]byte, error) {
	return m.update(state, data)
}

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func seedProject(t *testing.T, db *gorm.DB, shortname string) {
	require.NoError(t, db.Create(&database.Project{
		Shortname:      shortname,
		Name:           shortname,
		AnnotationType: database.AnnotationLabels,
		PredictionType: database.AnnotationLabels,
		CreationTime:   time.Now().UTC(),
	}).Error)
}

func seedImages(t *testing.T, db *gorm.DB, project string, n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, db.Create(&database.Image{
			Id:       ids[i],
			Project:  project,
			Filename: fmt.Sprintf("img_%d.jpg", i),
		}).Error)
	}
	return ids
}

func seedAnnotations(t *testing.T, db *gorm.DB, project string, imageIds []uuid.UUID, classId uuid.UUID) {
	for _, imageId := range imageIds {
		require.NoError(t, db.Create(&database.Annotation{
			Id:           uuid.New(),
			Project:      project,
			ImageId:      imageId,
			LabelClassId: uuid.NullUUID{UUID: classId, Valid: true},
		}).Error)
	}
}

func testJob(project string) Job {
	return Job{
		TaskId:       uuid.New(),
		Project:      project,
		Epoch:        1,
		Epochs:       1,
		ModelLibrary: "test_model",
	}
}

func TestUpdateSkipsWithoutCapability(t *testing.T) {
	store := &fakeStore{}
	reporter := &CollectReporter{}
	runner := NewTaskRunner(nil, store, reporter)

	model := &fakeModel{caps: NewCapabilitySet(CapabilityTrain, CapabilityInference)}

	err := runner.Update(context.Background(), testJob("proj"), model)
	require.NoError(t, err)

	assert.Zero(t, store.loads)
	assert.Empty(t, store.saves)

	events := reporter.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, StateSuccess, events[len(events)-1].State)
}

func TestUpdateSkipsWhenAutoupdateDisabled(t *testing.T) {
	store := &fakeStore{latest: modelstate.Latest{Exists: true, StateId: uuid.New()}}
	runner := NewTaskRunner(nil, store, nil)

	model := &fakeModel{
		caps:   NewCapabilitySet(CapabilityUpdate),
		update: func(state []byte, data *metadata.TaskMetadata) ([]byte, error) { return state, nil },
	}

	err := runner.Update(context.Background(), testJob("proj"), model)
	require.NoError(t, err)
	assert.Empty(t, store.saves)
}

func TestUpdateStatePersistedAsPartial(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "proj")

	origin := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	store := &fakeStore{latest: modelstate.Latest{
		Exists:     true,
		StateId:    uuid.New(),
		StateDict:  []byte("old"),
		OriginId:   origin,
		Autoupdate: true,
	}}
	runner := NewTaskRunner(db, store, nil)

	model := &fakeModel{
		caps: NewCapabilitySet(CapabilityUpdate),
		update: func(state []byte, data *metadata.TaskMetadata) ([]byte, error) {
			return []byte("updated"), nil
		},
	}

	err := runner.Update(context.Background(), testJob("proj"), model)
	require.NoError(t, err)

	require.Len(t, store.saves, 1)
	saved := store.saves[0]
	assert.True(t, saved.Partial)
	assert.Equal(t, []byte("updated"), saved.StateDict)
	assert.Equal(t, origin, saved.OriginId)
	assert.True(t, saved.Autoupdate)
}

func TestTrainRequiresImages(t *testing.T) {
	store := &fakeStore{}
	runner := NewTaskRunner(nil, store, nil)

	model := &fakeModel{caps: NewCapabilitySet(CapabilityTrain)}

	err := runner.Train(context.Background(), testJob("proj"), model, nil, false)
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, StagePreparing, taskErr.Stage)
	assert.Zero(t, store.loads)
	assert.Empty(t, store.saves)
}

func TestTrainPartialFollowsSubsetFlag(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "proj")
	imageIds := seedImages(t, db, "proj", 3)

	classId := uuid.New()
	require.NoError(t, db.Create(&database.LabelClass{Id: classId, Project: "proj", Name: "cat", Idx: 0}).Error)
	seedAnnotations(t, db, "proj", imageIds, classId)

	model := &fakeModel{
		caps: NewCapabilitySet(CapabilityTrain),
		train: func(state []byte, data *metadata.TaskMetadata) ([]byte, map[string]float64, error) {
			assert.Len(t, data.Images, 3)
			return []byte("trained"), map[string]float64{"loss": 0.5}, nil
		},
	}

	for _, isSubset := range []bool{true, false} {
		store := &fakeStore{}
		runner := NewTaskRunner(db, store, nil)

		err := runner.Train(context.Background(), testJob("proj"), model, imageIds, isSubset)
		require.NoError(t, err)

		require.Len(t, store.saves, 1)
		assert.Equal(t, isSubset, store.saves[0].Partial)
		assert.Equal(t, map[string]float64{"loss": 0.5}, store.saves[0].Stats)
	}
}

func TestAverageEmptyInputIsNoOp(t *testing.T) {
	store := &fakeStore{}
	reporter := &CollectReporter{}
	runner := NewTaskRunner(nil, store, reporter)

	model := &fakeModel{caps: NewCapabilitySet(CapabilityAverage)}

	err := runner.Average(context.Background(), testJob("proj"), model)
	require.NoError(t, err)

	assert.Empty(t, store.saves)
	assert.Zero(t, store.purges)

	events := reporter.Events()
	assert.Equal(t, StateSuccess, events[len(events)-1].State)
}

func TestAverageCombinesStatistics(t *testing.T) {
	store := &fakeStore{partials: []modelstate.PartialState{
		{StateId: uuid.New(), StateDict: []byte("s1"), Stats: map[string]float64{"a": 2, "b": 4}},
		{StateId: uuid.New(), StateDict: []byte("s2"), Stats: map[string]float64{"a": 4}},
		{StateId: uuid.New(), StateDict: []byte("s3"), Stats: map[string]float64{"b": 8}},
	}}
	runner := NewTaskRunner(nil, store, nil)

	model := &fakeModel{
		caps: NewCapabilitySet(CapabilityAverage),
		average: func(states [][]byte) ([]byte, error) {
			assert.Len(t, states, 3)
			return []byte("combined"), nil
		},
	}

	err := runner.Average(context.Background(), testJob("proj"), model)
	require.NoError(t, err)

	require.Len(t, store.saves, 1)
	saved := store.saves[0]
	assert.False(t, saved.Partial)
	assert.Equal(t, []byte("combined"), saved.StateDict)
	assert.Equal(t, map[string]float64{"a": 3, "b": 6}, saved.Stats)
	assert.Equal(t, 1, store.purges)
}

func TestAverageSaveFailureLeavesPartialStates(t *testing.T) {
	store := &fakeStore{
		partials: []modelstate.PartialState{
			{StateId: uuid.New(), StateDict: []byte("s1")},
			{StateId: uuid.New(), StateDict: []byte("s2")},
		},
		failSave: errors.New("disk full"),
	}
	runner := NewTaskRunner(nil, store, nil)

	model := &fakeModel{
		caps:    NewCapabilitySet(CapabilityAverage),
		average: func(states [][]byte) ([]byte, error) { return []byte("combined"), nil },
	}

	err := runner.Average(context.Background(), testJob("proj"), model)
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, StageCommitting, taskErr.Stage)

	// The purge never ran, so the partial rows are still there for a re-run.
	assert.Zero(t, store.purges)
	assert.Len(t, store.partials, 2)
}

func TestInferFailsWithoutFinalState(t *testing.T) {
	store := &fakeStore{}
	runner := NewTaskRunner(nil, store, nil)

	model := &fakeModel{caps: NewCapabilitySet(CapabilityInference)}

	err := runner.Infer(context.Background(), testJob("proj"), model, nil, []uuid.UUID{uuid.New()}, 0)
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, StageLoadingState, taskErr.Stage)
}

func TestInferRequiresImages(t *testing.T) {
	store := &fakeStore{}
	runner := NewTaskRunner(nil, store, nil)

	model := &fakeModel{caps: NewCapabilitySet(CapabilityInference)}

	err := runner.Infer(context.Background(), testJob("proj"), model, nil, nil, 0)
	require.Error(t, err)
	assert.Zero(t, store.loads)
}

func TestInferChunkFailureKeepsCommittedChunks(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "proj")
	imageIds := seedImages(t, db, "proj", 10)

	store := &fakeStore{latest: modelstate.Latest{Exists: true, StateId: uuid.New(), StateDict: []byte("state")}}
	runner := NewTaskRunner(db, store, nil)

	calls := 0
	model := &fakeModel{
		caps: NewCapabilitySet(CapabilityInference),
		inference: func(state []byte, data *metadata.TaskMetadata) (map[uuid.UUID]ImageOutput, error) {
			calls++
			if calls == 3 {
				return nil, errors.New("cuda out of memory")
			}
			output := make(map[uuid.UUID]ImageOutput, len(data.Images))
			for id := range data.Images {
				output[id] = ImageOutput{Predictions: []RawPrediction{{Confidence: Scalar(0.8)}}}
			}
			return output, nil
		},
	}

	err := runner.Infer(context.Background(), testJob("proj"), model, nil, imageIds, 4)
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, StageModelCall, taskErr.Stage)
	assert.Contains(t, err.Error(), "chunk 3/3")

	// Chunks 1 and 2 (4 images each) stay committed.
	var count int64
	require.NoError(t, db.Model(&database.Prediction{}).Count(&count).Error)
	assert.Equal(t, int64(8), count)
}

func TestInferCommitsPredictionsWithRanking(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "proj")
	imageIds := seedImages(t, db, "proj", 2)

	stateId := uuid.New()
	store := &fakeStore{latest: modelstate.Latest{Exists: true, StateId: stateId, StateDict: []byte("state")}}
	reporter := &CollectReporter{}
	runner := NewTaskRunner(db, store, reporter)

	model := &fakeModel{
		caps: NewCapabilitySet(CapabilityInference),
		inference: func(state []byte, data *metadata.TaskMetadata) (map[uuid.UUID]ImageOutput, error) {
			output := make(map[uuid.UUID]ImageOutput, len(data.Images))
			for id := range data.Images {
				output[id] = ImageOutput{
					Predictions: []RawPrediction{{
						Logits:     [][]float64{{0.5, 0.45, 0.05}},
						Confidence: Scalar(0.5),
					}},
					FVec: []byte{4, 5, 6},
				}
			}
			return output, nil
		},
	}

	err := runner.Infer(context.Background(), testJob("proj"), model, BreakingTies{}, imageIds, 0)
	require.NoError(t, err)

	var predictions []database.Prediction
	require.NoError(t, db.Find(&predictions).Error)
	require.Len(t, predictions, 2)
	for _, pred := range predictions {
		assert.Equal(t, stateId, pred.CnnStateId)
		require.NotNil(t, pred.Priority)
		assert.InDelta(t, 0.95, *pred.Priority, 1e-9)
	}

	var vectors []database.FeatureVector
	require.NoError(t, db.Find(&vectors).Error)
	assert.Len(t, vectors, 2)

	events := reporter.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, StatePreparing, events[0].State)
	assert.Equal(t, StateSuccess, events[len(events)-1].State)
}

func TestFeatureVectorUpsertKeepsNewestEmbedding(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "proj")
	imageId := seedImages(t, db, "proj", 1)[0]

	first := &AssembledResults{FeatureVectors: []database.FeatureVector{
		{ImageId: imageId, Project: "proj", CnnStateId: uuid.New(), Vector: []byte{1}},
	}}
	require.NoError(t, CommitResults(context.Background(), db, first))

	newState := uuid.New()
	second := &AssembledResults{FeatureVectors: []database.FeatureVector{
		{ImageId: imageId, Project: "proj", CnnStateId: newState, Vector: []byte{2}},
	}}
	require.NoError(t, CommitResults(context.Background(), db, second))

	var vectors []database.FeatureVector
	require.NoError(t, db.Find(&vectors).Error)
	require.Len(t, vectors, 1)
	assert.Equal(t, newState, vectors[0].CnnStateId)
	assert.Equal(t, []byte{2}, vectors[0].Vector)
}

func TestProgressMessagesCarryEpochPrefix(t *testing.T) {
	store := &fakeStore{}
	reporter := &CollectReporter{}
	runner := NewTaskRunner(nil, store, reporter)

	model := &fakeModel{caps: NewCapabilitySet(CapabilityAverage)}

	job := testJob("proj")
	job.Epoch = 2
	job.Epochs = 5

	require.NoError(t, runner.Average(context.Background(), job, model))

	events := reporter.Events()
	require.NotEmpty(t, events)
	for _, event := range events {
		assert.Contains(t, event.Message, "[Epoch 2/5]")
	}
}
