package ml

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/viralcast/prediction-engine/internal/model"
)

// TrainOptions bounds the gradient-descent weight fit.
type TrainOptions struct {
	LearningRate float64
	Epochs       int
}

// DefaultTrainOptions returns the bounds used when none are configured.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{LearningRate: 0.1, Epochs: 200}
}

func (o TrainOptions) withDefaults() TrainOptions {
	d := DefaultTrainOptions()
	if o.LearningRate <= 0 {
		o.LearningRate = d.LearningRate
	}
	if o.Epochs <= 0 {
		o.Epochs = d.Epochs
	}
	return o
}

// TrainWeights fits per-stage signal weights by logistic regression over the
// stage signals recorded with each outcome, via batch gradient descent.
// Pairs without recorded signals are skipped; if none carry signals the fit
// is refused.
func TrainWeights(pairs []model.OutcomePair, opts TrainOptions) (*model.TrainedModel, error) {
	opts = opts.withDefaults()

	usable := make([]model.OutcomePair, 0, len(pairs))
	nameSet := make(map[string]struct{})
	for _, p := range pairs {
		if len(p.StageSignals) == 0 {
			continue
		}
		usable = append(usable, p)
		for name := range p.StageSignals {
			nameSet[name] = struct{}{}
		}
	}
	if len(usable) == 0 {
		return nil, eris.Wrap(model.ErrInsufficientData, "ml: no outcomes carry stage signals")
	}

	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]float64, len(names))
	bias := 0.0
	n := float64(len(usable))

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		grad := make([]float64, len(names))
		var gradBias float64
		for _, pair := range usable {
			z := bias
			for i, name := range names {
				z += weights[i] * pair.StageSignals[name]
			}
			p := model.Sigmoid(z)
			y := 0.0
			if pair.Outcome {
				y = 1.0
			}
			d := p - y
			for i, name := range names {
				grad[i] += d * pair.StageSignals[name]
			}
			gradBias += d
		}
		for i := range weights {
			weights[i] -= opts.LearningRate * grad[i] / n
		}
		bias -= opts.LearningRate * gradBias / n
	}

	out := &model.TrainedModel{
		Weights:   make(map[string]float64, len(names)),
		Bias:      bias,
		TrainSize: len(usable),
		CreatedAt: time.Now().UTC(),
	}
	for i, name := range names {
		if math.IsNaN(weights[i]) || math.IsInf(weights[i], 0) {
			return nil, eris.Wrap(model.ErrFitInvalid, "ml: diverged weight fit")
		}
		out.Weights[name] = weights[i]
	}
	return out, nil
}

// PredictWith scores a signal map through a trained weight model.
func PredictWith(m *model.TrainedModel, signals map[string]float64) float64 {
	z := m.Bias
	for name, w := range m.Weights {
		z += w * signals[name]
	}
	return model.Sigmoid(z)
}

// LogLoss computes the mean negative log-likelihood of the model over pairs
// that carry stage signals. Probabilities are clamped away from 0 and 1 so a
// single confident miss cannot produce an infinite loss.
func LogLoss(m *model.TrainedModel, pairs []model.OutcomePair) (float64, int) {
	const eps = 1e-12
	var loss float64
	var n int
	for _, pair := range pairs {
		if len(pair.StageSignals) == 0 {
			continue
		}
		p := PredictWith(m, pair.StageSignals)
		p = math.Min(math.Max(p, eps), 1-eps)
		if pair.Outcome {
			loss -= math.Log(p)
		} else {
			loss -= math.Log(1 - p)
		}
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return loss / float64(n), n
}
