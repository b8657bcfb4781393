package ml

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralcast/prediction-engine/internal/model"
)

// signalPairs draws outcomes where the "llm" signal is predictive and the
// "noise" signal is not.
func signalPairs(n int, seed int64) []model.OutcomePair {
	rng := rand.New(rand.NewSource(seed))
	pairs := make([]model.OutcomePair, 0, n)
	for i := 0; i < n; i++ {
		llm := rng.Float64()
		noise := rng.Float64()
		trueProb := model.Sigmoid(4*llm - 2)
		pairs = append(pairs, model.OutcomePair{
			Outcome:      rng.Float64() < trueProb,
			StageSignals: map[string]float64{"llm": llm, "noise": noise},
		})
	}
	return pairs
}

func TestTrainWeightsLearnsPredictiveSignal(t *testing.T) {
	t.Parallel()

	pairs := signalPairs(2000, 7)
	m, err := TrainWeights(pairs, TrainOptions{LearningRate: 0.5, Epochs: 2000})
	require.NoError(t, err)

	assert.Greater(t, m.Weights["llm"], 1.0)
	// The uninformative signal carries far less weight than the real one.
	assert.Less(t, m.Weights["noise"], m.Weights["llm"]/2)
	assert.Equal(t, 2000, m.TrainSize)
}

func TestTrainWeightsRefusesWithoutSignals(t *testing.T) {
	t.Parallel()

	pairs := []model.OutcomePair{{Outcome: true}, {Outcome: false}}
	_, err := TrainWeights(pairs, TrainOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInsufficientData)
}

func TestTrainWeightsSkipsSignallessPairs(t *testing.T) {
	t.Parallel()

	pairs := append(signalPairs(100, 3), model.OutcomePair{Outcome: true})
	m, err := TrainWeights(pairs, TrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 100, m.TrainSize)
}

func TestLogLossPrefersBetterModel(t *testing.T) {
	t.Parallel()

	pairs := signalPairs(1000, 11)
	good, err := TrainWeights(pairs, TrainOptions{LearningRate: 0.5, Epochs: 2000})
	require.NoError(t, err)

	inverted := &model.TrainedModel{
		Weights: map[string]float64{"llm": -good.Weights["llm"], "noise": -good.Weights["noise"]},
		Bias:    -good.Bias,
	}

	goodLoss, n := LogLoss(good, pairs)
	badLoss, _ := LogLoss(inverted, pairs)
	assert.Equal(t, 1000, n)
	assert.Less(t, goodLoss, badLoss)
}

func TestLogLossEmptyHistory(t *testing.T) {
	t.Parallel()

	loss, n := LogLoss(&model.TrainedModel{Weights: map[string]float64{}}, nil)
	assert.Zero(t, loss)
	assert.Zero(t, n)
}

func TestPredictWithBounds(t *testing.T) {
	t.Parallel()

	m := &model.TrainedModel{Weights: map[string]float64{"a": 3, "b": -2}, Bias: 0.5}
	for _, signals := range []map[string]float64{
		{"a": 0, "b": 0},
		{"a": 1, "b": 1},
		{"a": 0.5},
		nil,
	} {
		p := PredictWith(m, signals)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}
