package ml

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/store"
)

// Report summarizes one retraining run.
type Report struct {
	Outcomes       int     `json:"outcomes"`
	TrainSize      int     `json:"train_size"`
	TestSize       int     `json:"test_size"`
	ActiveVersion  int     `json:"active_version"`
	ActiveECE      float64 `json:"active_ece"`
	CandidateECE   float64 `json:"candidate_ece"`
	Accepted       bool    `json:"accepted"`
	RejectReason   string  `json:"reject_reason,omitempty"`
	NewVersion     int     `json:"new_version,omitempty"`
	WeightsVersion int     `json:"weights_version,omitempty"`
	TrainedLogLoss float64 `json:"trained_log_loss,omitempty"`
	DurationMs     int64   `json:"duration_ms"`
}

// Retrainer refits the calibration model and the signal weights from the
// accumulated outcome history, gated so a worse model never replaces the
// serving one.
type Retrainer struct {
	cfg    *config.Config
	store  store.Store
	engine *calibration.Engine
}

// NewRetrainer creates a Retrainer.
func NewRetrainer(cfg *config.Config, st store.Store, engine *calibration.Engine) *Retrainer {
	return &Retrainer{cfg: cfg, store: st, engine: engine}
}

// Run executes one retraining pass. On any refusal or rejection the active
// models keep serving unchanged; the returned report (when non-nil) carries
// the rejection reason alongside the error.
func (r *Retrainer) Run(ctx context.Context) (*Report, error) {
	log := zap.L()
	start := time.Now()

	pairs, err := r.store.ListOutcomes(ctx, store.OutcomeFilter{Limit: r.cfg.Retrain.MaxOutcomes})
	if err != nil {
		return nil, eris.Wrap(err, "retrain: list outcomes")
	}
	if len(pairs) < r.cfg.Retrain.MinOutcomes {
		return nil, eris.Wrapf(model.ErrInsufficientData, "retrain: %d outcomes, need %d", len(pairs), r.cfg.Retrain.MinOutcomes)
	}

	train, test := StratifiedSplit(pairs, r.cfg.Retrain.SplitRatio, r.cfg.Retrain.Seed)
	active := r.engine.Active()

	report := &Report{
		Outcomes:      len(pairs),
		TrainSize:     len(train),
		TestSize:      len(test),
		ActiveVersion: active.Version,
	}

	candidate, err := calibration.Fit(train, calibration.FitOptions{
		MinSamples:    r.cfg.Calibration.MinSamples,
		MaxIterations: r.cfg.Calibration.MaxIterations,
		Tolerance:     r.cfg.Calibration.Tolerance,
	})
	if err != nil {
		return nil, eris.Wrap(err, "retrain: fit calibration")
	}

	bins := r.cfg.Calibration.Bins
	report.ActiveECE = calibration.ComputeECE(rescore(test, active), bins).ECE
	report.CandidateECE = calibration.ComputeECE(rescore(test, candidate), bins).ECE

	if report.CandidateECE > report.ActiveECE+r.cfg.Retrain.RegressionTolerance {
		report.RejectReason = fmt.Sprintf(
			"held-out ECE %.4f regressed past active %.4f by more than %.4f",
			report.CandidateECE, report.ActiveECE, r.cfg.Retrain.RegressionTolerance,
		)
		report.DurationMs = time.Since(start).Milliseconds()
		log.Warn("retrain: candidate rejected",
			zap.Float64("candidate_ece", report.CandidateECE),
			zap.Float64("active_ece", report.ActiveECE),
		)
		return report, eris.Wrap(model.ErrRetrainRegression, report.RejectReason)
	}

	published, err := r.store.PublishCalibration(ctx, *candidate)
	if err != nil {
		return nil, eris.Wrap(err, "retrain: publish calibration")
	}
	if err := r.engine.Swap(published); err != nil {
		return nil, eris.Wrap(err, "retrain: activate calibration")
	}
	report.Accepted = true
	report.NewVersion = published.Version

	r.trainWeights(ctx, train, test, report)

	report.DurationMs = time.Since(start).Milliseconds()
	log.Info("retrain: complete",
		zap.Int("outcomes", report.Outcomes),
		zap.Int("new_version", report.NewVersion),
		zap.Float64("candidate_ece", report.CandidateECE),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, nil
}

// trainWeights refits the signal-weight model when the history carries
// per-stage signals. Failures here never fail the run; calibration is the
// primary artifact.
func (r *Retrainer) trainWeights(ctx context.Context, train, test []model.OutcomePair, report *Report) {
	log := zap.L()

	candidate, err := TrainWeights(train, TrainOptions{
		LearningRate: r.cfg.Retrain.LearningRate,
		Epochs:       r.cfg.Retrain.Epochs,
	})
	if err != nil {
		log.Debug("retrain: skipping weight training", zap.Error(err))
		return
	}

	candidateLoss, n := LogLoss(candidate, test)
	if n > 0 {
		activeTrained, err := r.store.ActiveTrainedModel(ctx)
		if err != nil {
			log.Warn("retrain: load active trained model", zap.Error(err))
			return
		}
		if activeTrained != nil {
			activeLoss, _ := LogLoss(activeTrained, test)
			if candidateLoss > activeLoss+r.cfg.Retrain.RegressionTolerance {
				log.Warn("retrain: weight model rejected",
					zap.Float64("candidate_loss", candidateLoss),
					zap.Float64("active_loss", activeLoss),
				)
				return
			}
		}
	}
	candidate.TestECE = weightModelECE(candidate, test, r.cfg.Calibration.Bins)

	published, err := r.store.PublishTrainedModel(ctx, *candidate)
	if err != nil {
		log.Warn("retrain: publish trained model", zap.Error(err))
		return
	}
	report.WeightsVersion = published.Version
	report.TrainedLogLoss = candidateLoss
}

// rescore copies pairs with predicted probabilities recomputed through m, so
// ECE compares models on identical held-out data.
func rescore(pairs []model.OutcomePair, m *model.CalibrationModel) []model.OutcomePair {
	out := make([]model.OutcomePair, len(pairs))
	for i, p := range pairs {
		p.PredictedProbability = m.Apply(p.RawScore)
		out[i] = p
	}
	return out
}

func weightModelECE(m *model.TrainedModel, pairs []model.OutcomePair, bins int) float64 {
	scored := make([]model.OutcomePair, 0, len(pairs))
	for _, p := range pairs {
		if len(p.StageSignals) == 0 {
			continue
		}
		p.PredictedProbability = PredictWith(m, p.StageSignals)
		scored = append(scored, p)
	}
	return calibration.ComputeECE(scored, bins).ECE
}
