// Package calibration maintains the active Platt-scaling model and computes
// calibration diagnostics from the outcome history.
package calibration

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/model"
)

// FitOptions bounds the iterative Platt fit.
type FitOptions struct {
	MinSamples    int
	MaxIterations int
	Tolerance     float64
}

// DefaultFitOptions returns the fit bounds used when none are configured.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MinSamples:    10,
		MaxIterations: 100,
		Tolerance:     1e-6,
	}
}

func (o FitOptions) withDefaults() FitOptions {
	d := DefaultFitOptions()
	if o.MinSamples <= 0 {
		o.MinSamples = d.MinSamples
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	return o
}

// Engine applies the currently active calibration model to raw scores.
// Many concurrent predictions read the model; the retraining job is the only
// writer and publishes replacements with an atomic pointer swap, so readers
// never observe a partially updated model.
type Engine struct {
	active atomic.Pointer[model.CalibrationModel]
}

// NewEngine creates an Engine seeded with the given model, or the identity
// calibration when nil.
func NewEngine(m *model.CalibrationModel) *Engine {
	e := &Engine{}
	if m == nil {
		m = model.IdentityCalibration()
	}
	e.active.Store(m)
	return e
}

// Apply maps a raw score through the active model. Pure and cheap: one load,
// one sigmoid.
func (e *Engine) Apply(rawScore float64) float64 {
	return e.active.Load().Apply(rawScore)
}

// Active returns the currently active model.
func (e *Engine) Active() *model.CalibrationModel {
	return e.active.Load()
}

// Swap atomically publishes a new active model. Rejects invalid models so a
// bad fit can never corrupt serving.
func (e *Engine) Swap(m *model.CalibrationModel) error {
	if !m.Valid() {
		return eris.Wrapf(model.ErrFitInvalid, "calibration: refusing to activate model a=%v b=%v", m.A, m.B)
	}
	old := e.active.Swap(m)
	zap.L().Info("calibration: model activated",
		zap.Int("version", m.Version),
		zap.Int("previous_version", old.Version),
		zap.Float64("a", m.A),
		zap.Float64("b", m.B),
	)
	return nil
}

// Fit performs Platt scaling: a 2-parameter logistic regression of outcome on
// raw score, solved by Newton-Raphson. It refuses to fit on fewer than
// MinSamples pairs or when only one class is present, and rejects degenerate
// or non-monotonic solutions. The previous model is untouched either way;
// callers decide whether to Swap.
func Fit(pairs []model.OutcomePair, opts FitOptions) (*model.CalibrationModel, error) {
	opts = opts.withDefaults()

	if len(pairs) < opts.MinSamples {
		return nil, eris.Wrapf(model.ErrInsufficientData, "calibration: %d pairs, need %d", len(pairs), opts.MinSamples)
	}

	var positives int
	for _, p := range pairs {
		if p.Outcome {
			positives++
		}
	}
	if positives == 0 || positives == len(pairs) {
		return nil, eris.Wrap(model.ErrInsufficientData, "calibration: single class in outcome history")
	}

	a, b := 1.0, 0.0
	n := float64(len(pairs))

	for iter := 0; iter < opts.MaxIterations; iter++ {
		// Gradient and Hessian of the negative log-likelihood.
		var ga, gb, haa, hab, hbb float64
		for _, pair := range pairs {
			x := pair.RawScore
			p := model.Sigmoid(a*x + b)
			y := 0.0
			if pair.Outcome {
				y = 1.0
			}
			d := p - y
			w := p * (1 - p)
			ga += d * x
			gb += d
			haa += w * x * x
			hab += w * x
			hbb += w
		}
		ga /= n
		gb /= n
		haa /= n
		hab /= n
		hbb /= n

		det := haa*hbb - hab*hab
		if math.Abs(det) < 1e-12 {
			return nil, eris.Wrap(model.ErrFitInvalid, "calibration: singular hessian")
		}

		da := (hbb*ga - hab*gb) / det
		db := (haa*gb - hab*ga) / det
		a -= da
		b -= db

		if math.Abs(da) < opts.Tolerance && math.Abs(db) < opts.Tolerance {
			break
		}
	}

	fitted := &model.CalibrationModel{
		A:         a,
		B:         b,
		FitSize:   len(pairs),
		CreatedAt: time.Now().UTC(),
	}
	if !fitted.Valid() {
		return nil, eris.Wrapf(model.ErrFitInvalid, "calibration: non-monotonic fit a=%v b=%v", a, b)
	}
	return fitted, nil
}

// ComputeECE partitions predictions into numBins equal-width probability
// ranges and returns the sample-weighted mean absolute gap between predicted
// mean and observed frequency. Empty bins are excluded from both the report
// and the weighted sum.
func ComputeECE(pairs []model.OutcomePair, numBins int) *model.CalibrationReport {
	if numBins <= 0 {
		numBins = 10
	}

	report := &model.CalibrationReport{
		TotalSamples: len(pairs),
		GeneratedAt:  time.Now().UTC(),
	}
	if len(pairs) == 0 {
		return report
	}

	type bin struct {
		predictedSum float64
		positives    int
		count        int
	}
	bins := make([]bin, numBins)
	width := 1.0 / float64(numBins)

	for _, p := range pairs {
		idx := int(p.PredictedProbability / width)
		if idx >= numBins {
			idx = numBins - 1 // probability exactly 1.0 lands in the top bin
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].predictedSum += p.PredictedProbability
		bins[idx].count++
		if p.Outcome {
			bins[idx].positives++
		}
	}

	total := float64(len(pairs))
	var ece float64
	for i, b := range bins {
		if b.count == 0 {
			continue
		}
		predictedMean := b.predictedSum / float64(b.count)
		observed := float64(b.positives) / float64(b.count)
		ece += (float64(b.count) / total) * math.Abs(predictedMean-observed)
		report.Bins = append(report.Bins, model.CalibrationBin{
			RangeLow:          float64(i) * width,
			RangeHigh:         float64(i+1) * width,
			PredictedMean:     predictedMean,
			ObservedFrequency: observed,
			SampleCount:       b.count,
		})
	}
	report.ECE = ece
	return report
}

// FilterSince returns the pairs observed at or after the cutoff. The stored
// history is never mutated; the report is computed over the filtered copy.
func FilterSince(pairs []model.OutcomePair, cutoff time.Time) []model.OutcomePair {
	if cutoff.IsZero() {
		return pairs
	}
	filtered := make([]model.OutcomePair, 0, len(pairs))
	for _, p := range pairs {
		if !p.ObservedAt.Before(cutoff) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
