package modelstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aide-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store is the versioned, append-only home of binary model states. States are
// never mutated in place; a new row supersedes older ones, and the only delete
// is the purge of partial rows after a successful averaging pass.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Latest describes the most recent authoritative (non-partial) state for a
// (project, model library) pair. Exists is false when no state has been
// trained yet; that is a normal "create from scratch" signal, not an error.
type Latest struct {
	Exists bool

	StateId    uuid.UUID
	StateDict  []byte
	OriginId   uuid.NullUUID
	Autoupdate bool
}

func (s *Store) LoadLatest(ctx context.Context, project, modelLibrary string) (Latest, error) {
	var row database.ModelState
	err := s.db.WithContext(ctx).
		Where("project = ? AND model_library = ? AND partial = ?", project, modelLibrary, false).
		Order("time_created DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Latest{}, nil
	}
	if err != nil {
		return Latest{}, fmt.Errorf("error loading latest model state for project %s: %w", project, err)
	}

	return Latest{
		Exists:     true,
		StateId:    row.Id,
		StateDict:  row.StateDict,
		OriginId:   row.MarketplaceOriginId,
		Autoupdate: row.LabelclassAutoupdate,
	}, nil
}

type SaveParams struct {
	Project      string
	StateDict    []byte
	Stats        map[string]float64
	Partial      bool
	ModelLibrary string
	AlCriterion  string
	OriginId     uuid.NullUUID
	Autoupdate   bool
}

// Save appends a new state row and returns its id. It never overwrites.
func (s *Store) Save(ctx context.Context, params SaveParams) (uuid.UUID, error) {
	var stats []byte
	if len(params.Stats) > 0 {
		var err error
		stats, err = json.Marshal(params.Stats)
		if err != nil {
			return uuid.Nil, fmt.Errorf("error marshalling model statistics: %w", err)
		}
	}

	row := database.ModelState{
		Id:                   uuid.New(),
		Project:              params.Project,
		ModelLibrary:         params.ModelLibrary,
		AlCriterionLibrary:   params.AlCriterion,
		StateDict:            params.StateDict,
		Stats:                stats,
		Partial:              params.Partial,
		MarketplaceOriginId:  params.OriginId,
		LabelclassAutoupdate: params.Autoupdate,
		TimeCreated:          time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, fmt.Errorf("error saving model state for project %s: %w", params.Project, err)
	}
	return row.Id, nil
}

type PartialState struct {
	StateId    uuid.UUID
	StateDict  []byte
	Stats      map[string]float64
	OriginId   uuid.NullUUID
	Autoupdate bool
}

func (s *Store) LoadPartialStates(ctx context.Context, project, modelLibrary string) ([]PartialState, error) {
	var rows []database.ModelState
	err := s.db.WithContext(ctx).
		Where("project = ? AND model_library = ? AND partial = ?", project, modelLibrary, true).
		Order("time_created ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error loading partial model states for project %s: %w", project, err)
	}

	states := make([]PartialState, 0, len(rows))
	for _, row := range rows {
		state := PartialState{
			StateId:    row.Id,
			StateDict:  row.StateDict,
			OriginId:   row.MarketplaceOriginId,
			Autoupdate: row.LabelclassAutoupdate,
		}
		if len(row.Stats) > 0 {
			if err := json.Unmarshal(row.Stats, &state.Stats); err != nil {
				return nil, fmt.Errorf("invalid statistics on model state %s: %w", row.Id, err)
			}
		}
		states = append(states, state)
	}
	return states, nil
}

// PurgePartialStates removes all partial rows for a project. Callers must
// only invoke this after the averaged replacement state has been durably
// saved; a crash between save and purge leaves re-runnable partial rows
// rather than lost work.
func (s *Store) PurgePartialStates(ctx context.Context, project string) error {
	if err := s.db.WithContext(ctx).Where("project = ? AND partial = ?", project, true).Delete(&database.ModelState{}).Error; err != nil {
		return fmt.Errorf("error purging partial model states for project %s: %w", project, err)
	}
	return nil
}
