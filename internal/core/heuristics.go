package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

// Ranking criterion names accepted by task payloads and project defaults.
const (
	CriterionBreakingTies  = "breaking_ties"
	CriterionMaxConfidence = "max_confidence"
)

// RankingCriterion computes a scalar annotation priority from one raw
// prediction. Criteria are stateless and never fail: unusable input yields
// ok=false and the result assembler's fallback rule takes over.
type RankingCriterion interface {
	Name() string

	Score(pred RawPrediction) (float64, bool)
}

// NewCriterion constructs a ranking criterion by name. An empty name means
// "no ranking configured" and returns nil without error.
func NewCriterion(name string, settings json.RawMessage) (RankingCriterion, error) {
	switch name {
	case "":
		return nil, nil
	case CriterionBreakingTies:
		return BreakingTies{}, nil
	case CriterionMaxConfidence:
		return MaxConfidence{}, nil
	default:
		return nil, fmt.Errorf("unknown AL criterion %q", name)
	}
}

// ApplyRanking populates the priority of every prediction the criterion can
// score, leaving the rest untouched for the assembler's confidence fallback.
func ApplyRanking(criterion RankingCriterion, output map[uuid.UUID]ImageOutput) {
	for imageId, entry := range output {
		for i := range entry.Predictions {
			if score, ok := criterion.Score(entry.Predictions[i]); ok {
				entry.Predictions[i].Priority = Scalar(score)
			}
		}
		output[imageId] = entry
	}
}

// BreakingTies scores a prediction by 1-(top1-top2) over the per-class
// logits: the smaller the gap between the two most likely classes, the more
// ambiguous the prediction and the higher its annotation priority. Spatial
// predictions are scored per pixel and averaged into one scalar.
type BreakingTies struct{}

func (BreakingTies) Name() string { return CriterionBreakingTies }

func (BreakingTies) Score(pred RawPrediction) (float64, bool) {
	var sum float64
	var count int
	for _, row := range pred.Logits {
		gap, ok := topTwoGap(row)
		if !ok {
			continue
		}
		sum += 1 - gap
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func topTwoGap(logits []float64) (float64, bool) {
	usable := make([]float64, 0, len(logits))
	for _, v := range logits {
		if !math.IsNaN(v) {
			usable = append(usable, v)
		}
	}
	if len(usable) < 2 {
		return 0, false
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(usable)))
	return usable[0] - usable[1], true
}

// MaxConfidence scores a prediction by its largest logit, falling back to the
// largest confidence value; element-wise over arrays. Yields nothing when
// neither field holds a usable number.
type MaxConfidence struct{}

func (MaxConfidence) Name() string { return CriterionMaxConfidence }

func (MaxConfidence) Score(pred RawPrediction) (float64, bool) {
	best := math.Inf(-1)
	found := false
	for _, row := range pred.Logits {
		for _, v := range row {
			if !math.IsNaN(v) && v > best {
				best = v
				found = true
			}
		}
	}
	if found {
		return best, true
	}
	return pred.Confidence.Max()
}
