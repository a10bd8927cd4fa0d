package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"aide-backend/internal/metadata"
	"aide-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Capability string

const (
	CapabilityTrain     Capability = "train"
	CapabilityInference Capability = "inference"
	CapabilityAverage   Capability = "average"
	CapabilityUpdate    Capability = "update"
)

type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// ProgressFunc lets long-running model calls report intermediate progress.
// done/total counters must be non-decreasing within one call.
type ProgressFunc func(message string, done, total int)

// Model is the contract every pluggable model variant satisfies. Which of the
// methods are actually implemented is declared through Capabilities; task
// functions consult the capability set instead of probing.
type Model interface {
	Capabilities() CapabilitySet

	// Train consumes the current binary state (nil when training from
	// scratch) and returns the updated state, optionally with statistics.
	Train(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) ([]byte, map[string]float64, error)

	// Inference must produce one entry per input image id, even when a
	// subset of images fails; the caller does not retry individual images.
	Inference(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) (map[uuid.UUID]ImageOutput, error)

	// AverageStates combines N partial states into one. The caller makes no
	// ordering guarantee, so the combination must be order-independent.
	AverageStates(ctx context.Context, states [][]byte, progress ProgressFunc) ([]byte, error)

	// UpdateLabelClasses adapts a state to label classes added after the
	// state was created. Only called when CapabilityUpdate is declared.
	UpdateLabelClasses(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) ([]byte, error)
}

// ModelOptions carries everything a model variant receives at construction.
type ModelOptions struct {
	Project  string
	Settings json.RawMessage
	DB       *gorm.DB
	Files    storage.FileServer
}

type ModelFactory func(options ModelOptions) (Model, error)

type OptionsStatus int

const (
	OptionsValid OptionsStatus = iota
	OptionsCorrected
	OptionsInvalid
)

type OptionsReport struct {
	Status    OptionsStatus
	Corrected json.RawMessage
	Reason    string
}

// ModelEntry is one registered model variant. VerifyOptions is optional;
// when nil the factory alone decides whether the settings are acceptable.
type ModelEntry struct {
	New           ModelFactory
	VerifyOptions func(settings json.RawMessage) OptionsReport
}

var (
	ErrUnknownModel   = errors.New("unknown model library")
	ErrInvalidOptions = errors.New("invalid model options")
)

var modelRegistry = make(map[string]ModelEntry)

// RegisterModel adds a model variant under a stable string key. Registration
// happens at process start; duplicate or incomplete registrations are
// programming errors and rejected immediately.
func RegisterModel(name string, entry ModelEntry) error {
	if name == "" {
		return fmt.Errorf("model registration requires a non-empty name")
	}
	if entry.New == nil {
		return fmt.Errorf("model %q registered without a factory", name)
	}
	if _, exists := modelRegistry[name]; exists {
		return fmt.Errorf("model %q is already registered", name)
	}
	modelRegistry[name] = entry
	return nil
}

// CreateModel looks up a registered variant and constructs it. Invalid
// options are a configuration error: the task never starts. Auto-corrected
// options proceed with a warning.
func CreateModel(name string, options ModelOptions) (Model, error) {
	entry, ok := modelRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	if entry.VerifyOptions != nil {
		report := entry.VerifyOptions(options.Settings)
		switch report.Status {
		case OptionsInvalid:
			return nil, fmt.Errorf("%w for model %q: %s", ErrInvalidOptions, name, report.Reason)
		case OptionsCorrected:
			slog.Warn("model options auto-corrected", "model", name, "reason", report.Reason)
			options.Settings = report.Corrected
		}
	}

	model, err := entry.New(options)
	if err != nil {
		return nil, fmt.Errorf("error constructing model %q: %w", name, err)
	}
	return model, nil
}
