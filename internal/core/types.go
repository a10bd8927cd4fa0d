package core

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Numeric is a prediction value that may be a single scalar or an array of
// per-pixel/per-instance values. Reductions ignore NaNs; a Numeric with no
// usable values reduces to nothing rather than erroring.
type Numeric struct {
	values []float64
}

func Scalar(v float64) Numeric {
	return Numeric{values: []float64{v}}
}

func Array(v []float64) Numeric {
	return Numeric{values: v}
}

func (n Numeric) Empty() bool {
	return len(n.values) == 0
}

func (n Numeric) IsArray() bool {
	return len(n.values) > 1
}

// Mean reduces to the arithmetic mean of the usable (non-NaN) values.
func (n Numeric) Mean() (float64, bool) {
	var sum float64
	var count int
	for _, v := range n.values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func (n Numeric) Max() (float64, bool) {
	best := math.Inf(-1)
	found := false
	for _, v := range n.values {
		if math.IsNaN(v) {
			continue
		}
		if v > best {
			best = v
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	if len(n.values) == 1 {
		return json.Marshal(n.values[0])
	}
	return json.Marshal(n.values)
}

func (n *Numeric) UnmarshalJSON(data []byte) error {
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err == nil {
		n.values = []float64{scalar}
		return nil
	}
	var array []float64
	if err := json.Unmarshal(data, &array); err == nil {
		n.values = array
		return nil
	}
	return fmt.Errorf("numeric value is neither a number nor an array of numbers")
}

// SegmentationMask is a dense 2D class-label map. Data is row-major,
// Data[y][x]; the assembler casts values to 8 bits for persistence.
type SegmentationMask struct {
	Data   [][]int `json:"data"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// RawPrediction is one model output for one image, before assembly. All
// fields are optional; the model is allowed to be silent on any of them.
type RawPrediction struct {
	LabelClassId uuid.NullUUID `json:"label,omitempty"`

	// Logits holds rows of per-class scores: a single row for image-level
	// predictions, one row per pixel/instance for spatial ones.
	Logits [][]float64 `json:"logits,omitempty"`

	Confidence Numeric `json:"confidence,omitempty"`
	Priority   Numeric `json:"priority,omitempty"`

	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`

	Coordinates []float64 `json:"coordinates,omitempty"`

	Mask *SegmentationMask `json:"segmentationmask,omitempty"`
}

// ImageOutput is a model's complete output for one image: zero or more
// predictions plus an optional feature vector.
type ImageOutput struct {
	Predictions []RawPrediction `json:"predictions"`
	FVec        []byte          `json:"fVec,omitempty"`
}
