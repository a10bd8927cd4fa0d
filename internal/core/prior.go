package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"aide-backend/internal/metadata"

	"github.com/google/uuid"
)

// LabelclassPriorName identifies the built-in baseline model: a label-class
// frequency prior. It predicts every image as the most common class, which
// gives projects a working rank-by-ambiguity loop before a real model is
// plugged in, and gives the pipeline an in-process model for tests.
const LabelclassPriorName = "labelclass_prior"

type priorSettings struct {
	// Smoothing is the additive (Laplace) count applied to every class.
	Smoothing float64 `json:"smoothing"`
}

const defaultSmoothing = 1.0

type priorState struct {
	Counts map[uuid.UUID]float64 `json:"counts"`
}

type labelclassPrior struct {
	smoothing float64
}

func newLabelclassPrior(options ModelOptions) (Model, error) {
	settings := priorSettings{Smoothing: defaultSmoothing}
	if len(options.Settings) > 0 {
		if err := json.Unmarshal(options.Settings, &settings); err != nil {
			return nil, fmt.Errorf("invalid settings: %w", err)
		}
	}
	return &labelclassPrior{smoothing: settings.Smoothing}, nil
}

func verifyPriorOptions(settings json.RawMessage) OptionsReport {
	if len(settings) == 0 {
		return OptionsReport{Status: OptionsValid}
	}
	var parsed priorSettings
	if err := json.Unmarshal(settings, &parsed); err != nil {
		return OptionsReport{Status: OptionsInvalid, Reason: err.Error()}
	}
	if parsed.Smoothing < 0 {
		corrected, _ := json.Marshal(priorSettings{Smoothing: defaultSmoothing})
		return OptionsReport{
			Status:    OptionsCorrected,
			Corrected: corrected,
			Reason:    "negative smoothing replaced with default",
		}
	}
	return OptionsReport{Status: OptionsValid}
}

func (m *labelclassPrior) Capabilities() CapabilitySet {
	return NewCapabilitySet(CapabilityTrain, CapabilityInference, CapabilityAverage, CapabilityUpdate)
}

func decodePriorState(state []byte) (priorState, error) {
	decoded := priorState{Counts: make(map[uuid.UUID]float64)}
	if len(state) == 0 {
		return decoded, nil
	}
	if err := json.Unmarshal(state, &decoded); err != nil {
		return priorState{}, fmt.Errorf("invalid prior state: %w", err)
	}
	if decoded.Counts == nil {
		decoded.Counts = make(map[uuid.UUID]float64)
	}
	return decoded, nil
}

func (m *labelclassPrior) Train(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) ([]byte, map[string]float64, error) {
	decoded, err := decodePriorState(state)
	if err != nil {
		return nil, nil, err
	}

	var seen int
	done := 0
	for _, img := range data.Images {
		for _, anno := range img.Annotations {
			if anno.LabelClassId.Valid {
				decoded.Counts[anno.LabelClassId.UUID]++
				seen++
			}
		}
		done++
		progress("counting annotations", done, len(data.Images))
	}

	encoded, err := json.Marshal(decoded)
	if err != nil {
		return nil, nil, fmt.Errorf("error encoding prior state: %w", err)
	}

	stats := map[string]float64{
		"num_images":      float64(len(data.Images)),
		"num_annotations": float64(seen),
	}
	return encoded, stats, nil
}

// logits returns the smoothed class distribution in label-class index order,
// paired with the class ids in the same order.
func (m *labelclassPrior) logits(decoded priorState, data *metadata.TaskMetadata) ([]float64, []uuid.UUID) {
	ordered := make([]uuid.UUID, 0, len(data.LabelClasses))
	for id := range data.LabelClasses {
		ordered = append(ordered, id)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && data.LabelClasses[ordered[j]].Idx < data.LabelClasses[ordered[j-1]].Idx; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	scores := make([]float64, len(ordered))
	var total float64
	for i, id := range ordered {
		scores[i] = decoded.Counts[id] + m.smoothing
		total += scores[i]
	}
	if total > 0 {
		for i := range scores {
			scores[i] /= total
		}
	}
	return scores, ordered
}

func (m *labelclassPrior) Inference(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) (map[uuid.UUID]ImageOutput, error) {
	decoded, err := decodePriorState(state)
	if err != nil {
		return nil, err
	}

	scores, ordered := m.logits(decoded, data)

	best := uuid.NullUUID{}
	bestScore := 0.0
	for i, id := range ordered {
		if scores[i] > bestScore {
			bestScore = scores[i]
			best = uuid.NullUUID{UUID: id, Valid: true}
		}
	}

	output := make(map[uuid.UUID]ImageOutput, len(data.Images))
	done := 0
	for imageId := range data.Images {
		pred := RawPrediction{
			LabelClassId: best,
			Confidence:   Scalar(bestScore),
		}
		if len(scores) > 0 {
			pred.Logits = [][]float64{append([]float64(nil), scores...)}
		}
		output[imageId] = ImageOutput{Predictions: []RawPrediction{pred}}
		done++
		progress("scoring images", done, len(data.Images))
	}
	return output, nil
}

func (m *labelclassPrior) AverageStates(ctx context.Context, states [][]byte, progress ProgressFunc) ([]byte, error) {
	combined := priorState{Counts: make(map[uuid.UUID]float64)}
	seen := make(map[uuid.UUID]int)

	for i, state := range states {
		decoded, err := decodePriorState(state)
		if err != nil {
			return nil, err
		}
		for id, count := range decoded.Counts {
			combined.Counts[id] += count
			seen[id]++
		}
		progress("combining states", i+1, len(states))
	}
	for id, n := range seen {
		combined.Counts[id] /= float64(n)
	}

	encoded, err := json.Marshal(combined)
	if err != nil {
		return nil, fmt.Errorf("error encoding combined prior state: %w", err)
	}
	return encoded, nil
}

func (m *labelclassPrior) UpdateLabelClasses(ctx context.Context, state []byte, data *metadata.TaskMetadata, progress ProgressFunc) ([]byte, error) {
	decoded, err := decodePriorState(state)
	if err != nil {
		return nil, err
	}

	added := 0
	for id := range data.LabelClasses {
		if _, ok := decoded.Counts[id]; !ok {
			decoded.Counts[id] = 0
			added++
		}
	}
	progress("registering new label classes", added, added)

	encoded, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("error encoding updated prior state: %w", err)
	}
	return encoded, nil
}

var registerBuiltinsOnce sync.Once

// RegisterBuiltins registers the models shipped with the backend. Called once
// from each entrypoint before any task is consumed.
func RegisterBuiltins() {
	registerBuiltinsOnce.Do(func() {
		if err := RegisterModel(LabelclassPriorName, ModelEntry{
			New:           newLabelclassPrior,
			VerifyOptions: verifyPriorOptions,
		}); err != nil {
			panic(err)
		}
	})
}
