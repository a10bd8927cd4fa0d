package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	UpdateQueue     = "update_queue"
	TrainingQueue   = "training_queue"
	AverageQueue    = "average_queue"
	InferenceQueue  = "inference_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

// AllQueues lists every queue the pipeline uses, in dispatch order.
var AllQueues = []string{UpdateQueue, TrainingQueue, AverageQueue, InferenceQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// TaskHeader carries the fields every task payload shares: which task record
// tracks it, which project it runs against, and where it sits in the epoch
// cycle. ModelLibrary and ModelSettings override the project defaults when
// set.
type TaskHeader struct {
	TaskId  uuid.UUID `json:"task_id"`
	Project string    `json:"project"`
	Epoch   int       `json:"epoch"`
	Epochs  int       `json:"epochs"`

	ModelLibrary  string          `json:"model_library,omitempty"`
	ModelSettings json.RawMessage `json:"model_settings,omitempty"`
}

type UpdateTaskPayload struct {
	TaskHeader
}

type TrainTaskPayload struct {
	TaskHeader

	ImageIds []uuid.UUID `json:"image_ids"`

	// IsSubset marks this image set as one worker's share of a larger
	// batch; the trained state is then stored partial pending averaging.
	IsSubset bool `json:"is_subset"`
}

type AverageTaskPayload struct {
	TaskHeader
}

type InferenceTaskPayload struct {
	TaskHeader

	ImageIds []uuid.UUID `json:"image_ids"`

	AlCriterion string          `json:"al_criterion,omitempty"`
	AlSettings  json.RawMessage `json:"al_settings,omitempty"`
}

type Publisher interface {
	PublishUpdateTask(ctx context.Context, payload UpdateTaskPayload) error

	PublishTrainTask(ctx context.Context, payload TrainTaskPayload) error

	PublishAverageTask(ctx context.Context, payload AverageTaskPayload) error

	PublishInferenceTask(ctx context.Context, payload InferenceTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
