package model

import (
	"math"
	"time"
)

// OutcomePair joins a served prediction with its later observed outcome.
// Pairs are append-only: once written they are never edited, so any
// calibration fit or ECE computation over a fixed history prefix is
// reproducible.
type OutcomePair struct {
	RequestID            string             `json:"request_id"`
	RawScore             float64            `json:"raw_score"`
	PredictedProbability float64            `json:"predicted_probability"`
	Outcome              bool               `json:"outcome"`
	StageSignals         map[string]float64 `json:"stage_signals,omitempty"`
	ObservedAt           time.Time          `json:"observed_at"`
}

// CalibrationModel holds Platt-scaling parameters mapping a raw score to a
// probability via sigmoid(A*raw + B). Exactly one version is active at a
// time; superseded versions are retained for audit.
type CalibrationModel struct {
	Version   int       `json:"version"`
	A         float64   `json:"a"`
	B         float64   `json:"b"`
	FitSize   int       `json:"fit_size"`
	CreatedAt time.Time `json:"created_at"`
}

// Apply maps a raw score through the model. The result is always in [0,1]
// for any finite raw score.
func (m *CalibrationModel) Apply(rawScore float64) float64 {
	return Sigmoid(m.A*rawScore + m.B)
}

// Valid reports whether the model is a usable monotonic calibration.
func (m *CalibrationModel) Valid() bool {
	if m == nil {
		return false
	}
	if math.IsNaN(m.A) || math.IsNaN(m.B) || math.IsInf(m.A, 0) || math.IsInf(m.B, 0) {
		return false
	}
	return m.A > 0
}

// IdentityCalibration returns the neutral model used before any fit has been
// accepted: sigmoid(raw) with no shift.
func IdentityCalibration() *CalibrationModel {
	return &CalibrationModel{Version: 0, A: 1, B: 0, CreatedAt: time.Unix(0, 0).UTC()}
}

// Sigmoid is the standard logistic function, clamped against overflow.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// CalibrationBin is one probability range in a calibration report.
type CalibrationBin struct {
	RangeLow          float64 `json:"range_low"`
	RangeHigh         float64 `json:"range_high"`
	PredictedMean     float64 `json:"predicted_mean"`
	ObservedFrequency float64 `json:"observed_frequency"`
	SampleCount       int     `json:"sample_count"`
}

// CalibrationReport summarizes how well predicted probabilities match
// observed frequencies. Derived data: recomputable from the outcome history
// at any time, cached at most, never the source of truth.
type CalibrationReport struct {
	ECE          float64          `json:"ece"`
	Bins         []CalibrationBin `json:"bins"`
	TotalSamples int              `json:"total_samples"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// TrainedModel is a versioned weight set for combining stage signals into a
// raw score. Produced by the retraining job, consumed by the aggregator.
type TrainedModel struct {
	Version   int                `json:"version"`
	Weights   map[string]float64 `json:"weights"`
	Bias      float64            `json:"bias"`
	TrainSize int                `json:"train_size"`
	TestECE   float64            `json:"test_ece"`
	CreatedAt time.Time          `json:"created_at"`
}
