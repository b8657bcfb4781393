// Package monitoring derives health metrics from the persisted prediction
// history and raises webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Prediction metrics (within lookback window).
	PredictionsTotal    int     `json:"predictions_total"`
	DegradedPredictions int     `json:"degraded_predictions"`
	DegradedRate        float64 `json:"degraded_rate"`
	TotalCostCents      float64 `json:"total_cost_cents"`
	AvgCostCents        float64 `json:"avg_cost_cents"`
	AvgProbability      float64 `json:"avg_probability"`

	// Calibration metrics (within lookback window).
	OutcomesTotal       int     `json:"outcomes_total"`
	RollingECE          float64 `json:"rolling_ece"`
	CalibrationVersion  int     `json:"calibration_version"`
	TrainedModelVersion int     `json:"trained_model_version"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	bins  int
}

// NewCollector creates a metrics collector. bins controls the ECE binning
// and falls back to 10 when non-positive.
func NewCollector(st store.Store, bins int) *Collector {
	if bins <= 0 {
		bins = 10
	}
	return &Collector{store: st, bins: bins}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	reports, err := c.store.ListReports(ctx, store.ReportFilter{
		Since: cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list reports")
	}

	snap.PredictionsTotal = len(reports)
	var totalProb float64
	for _, r := range reports {
		snap.TotalCostCents += r.TotalCostCents
		totalProb += r.CalibratedProbability
		if len(r.DegradedStages()) > 0 {
			snap.DegradedPredictions++
		}
	}
	if snap.PredictionsTotal > 0 {
		snap.DegradedRate = float64(snap.DegradedPredictions) / float64(snap.PredictionsTotal)
		snap.AvgCostCents = snap.TotalCostCents / float64(snap.PredictionsTotal)
		snap.AvgProbability = totalProb / float64(snap.PredictionsTotal)
	}

	outcomes, err := c.store.ListOutcomes(ctx, store.OutcomeFilter{Since: cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list outcomes")
	}
	snap.OutcomesTotal = len(outcomes)
	snap.RollingECE = calibration.ComputeECE(outcomes, c.bins).ECE

	if active, err := c.store.ActiveCalibration(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: active calibration")
	} else if active != nil {
		snap.CalibrationVersion = active.Version
	}
	if trained, err := c.store.ActiveTrainedModel(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: active trained model")
	} else if trained != nil {
		snap.TrainedModelVersion = trained.Version
	}

	return snap, nil
}
