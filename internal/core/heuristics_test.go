package core

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakingTiesPrefersAmbiguousPredictions(t *testing.T) {
	confident := RawPrediction{Logits: [][]float64{{0.9, 0.05, 0.05}}}
	ambiguous := RawPrediction{Logits: [][]float64{{0.5, 0.45, 0.05}}}

	confidentScore, ok := BreakingTies{}.Score(confident)
	require.True(t, ok)
	ambiguousScore, ok := BreakingTies{}.Score(ambiguous)
	require.True(t, ok)

	assert.Greater(t, ambiguousScore, confidentScore)
	assert.InDelta(t, 1-(0.9-0.05), confidentScore, 1e-9)
	assert.InDelta(t, 1-(0.5-0.45), ambiguousScore, 1e-9)
}

func TestBreakingTiesAveragesOverPixels(t *testing.T) {
	pred := RawPrediction{Logits: [][]float64{
		{0.9, 0.1},
		{0.6, 0.4},
	}}

	score, ok := BreakingTies{}.Score(pred)
	require.True(t, ok)
	assert.InDelta(t, ((1-0.8)+(1-0.2))/2, score, 1e-9)
}

func TestBreakingTiesUnscorableInput(t *testing.T) {
	for _, pred := range []RawPrediction{
		{},
		{Logits: [][]float64{{0.7}}},
		{Logits: [][]float64{{math.NaN(), math.NaN()}}},
		{Confidence: Scalar(0.5)},
	} {
		_, ok := BreakingTies{}.Score(pred)
		assert.False(t, ok)
	}
}

func TestMaxConfidenceFallsBackToConfidence(t *testing.T) {
	pred := RawPrediction{Confidence: Array([]float64{0.2, 0.9, 0.4})}

	score, ok := MaxConfidence{}.Score(pred)
	require.True(t, ok)
	assert.Equal(t, 0.9, score)
}

func TestMaxConfidencePrefersLogits(t *testing.T) {
	pred := RawPrediction{
		Logits:     [][]float64{{0.1, 0.3}, {0.8, 0.2}},
		Confidence: Scalar(0.99),
	}

	score, ok := MaxConfidence{}.Score(pred)
	require.True(t, ok)
	assert.Equal(t, 0.8, score)
}

func TestMaxConfidenceUnscorableInput(t *testing.T) {
	_, ok := MaxConfidence{}.Score(RawPrediction{})
	assert.False(t, ok)

	_, ok = MaxConfidence{}.Score(RawPrediction{Confidence: Array([]float64{math.NaN()})})
	assert.False(t, ok)
}

func TestApplyRankingLeavesUnscorablePredictionsUntouched(t *testing.T) {
	imageId := uuid.New()
	output := map[uuid.UUID]ImageOutput{
		imageId: {Predictions: []RawPrediction{
			{Logits: [][]float64{{0.5, 0.45}}},
			{Confidence: Scalar(0.7)},
		}},
	}

	ApplyRanking(BreakingTies{}, output)

	ranked := output[imageId].Predictions[0].Priority
	mean, ok := ranked.Mean()
	require.True(t, ok)
	assert.InDelta(t, 0.95, mean, 1e-9)

	assert.True(t, output[imageId].Predictions[1].Priority.Empty())
}

func TestNewCriterion(t *testing.T) {
	criterion, err := NewCriterion("", nil)
	require.NoError(t, err)
	assert.Nil(t, criterion)

	criterion, err = NewCriterion(CriterionBreakingTies, nil)
	require.NoError(t, err)
	assert.Equal(t, CriterionBreakingTies, criterion.Name())

	criterion, err = NewCriterion(CriterionMaxConfidence, nil)
	require.NoError(t, err)
	assert.Equal(t, CriterionMaxConfidence, criterion.Name())

	_, err = NewCriterion("entropy", nil)
	assert.Error(t, err)
}
