package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskFault struct {
	Stage     string
	Reason    string
	Timestamp time.Time
}

type Task struct {
	Id      uuid.UUID
	Project string
	Type    string
	Status  string

	Epoch  int
	Epochs int

	Done    int
	Total   int
	Message string

	CreationTime   time.Time
	StartTime      *time.Time
	CompletionTime *time.Time

	Faults []TaskFault `json:"Faults,omitempty"`
}

type ModelState struct {
	Id      uuid.UUID
	Project string

	ModelLibrary       string
	AlCriterionLibrary string

	Partial              bool
	MarketplaceOriginId  *uuid.UUID
	LabelclassAutoupdate bool

	Stats map[string]float64 `json:"Stats,omitempty"`

	TimeCreated time.Time
}

type SubmitUpdateRequest struct {
	ModelLibrary  string          `json:"ModelLibrary,omitempty"`
	ModelSettings json.RawMessage `json:"ModelSettings,omitempty"`

	Epoch  int
	Epochs int
}

type SubmitTrainRequest struct {
	ModelLibrary  string          `json:"ModelLibrary,omitempty"`
	ModelSettings json.RawMessage `json:"ModelSettings,omitempty"`

	ImageIds []uuid.UUID
	IsSubset bool

	Epoch  int
	Epochs int
}

type SubmitAverageRequest struct {
	ModelLibrary  string          `json:"ModelLibrary,omitempty"`
	ModelSettings json.RawMessage `json:"ModelSettings,omitempty"`

	Epoch  int
	Epochs int
}

type SubmitInferenceRequest struct {
	ModelLibrary  string          `json:"ModelLibrary,omitempty"`
	ModelSettings json.RawMessage `json:"ModelSettings,omitempty"`

	ImageIds []uuid.UUID

	AlCriterion string          `json:"AlCriterion,omitempty"`
	AlSettings  json.RawMessage `json:"AlSettings,omitempty"`

	Epoch  int
	Epochs int
}

type SubmitTaskResponse struct {
	TaskId uuid.UUID
}

type ListTasksQuery struct {
	Status string `schema:"status"`
	Type   string `schema:"type"`
}
