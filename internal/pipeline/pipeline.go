// Package pipeline orchestrates the scoring stages for a single prediction:
// parallel fan-out, fallback substitution, weighted aggregation, and
// calibration of the final probability.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/cost"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/stage"
	"github.com/viralcast/prediction-engine/internal/store"
)

// Pipeline executes the configured scoring stages and assembles a
// PredictionReport.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	stages   []stage.Executor
	fallback stage.Executor
	calib    *calibration.Engine
	costCalc *cost.Calculator
}

// New creates a Pipeline. The stages slice fixes the report ordering; the
// fallback executor is invoked only when the configured policy demands it and
// may be nil. The configured critical stage must be one of the wired stages.
func New(
	cfg *config.Config,
	st store.Store,
	stages []stage.Executor,
	fallback stage.Executor,
	calib *calibration.Engine,
	costCalc *cost.Calculator,
) (*Pipeline, error) {
	wired := false
	for _, ex := range stages {
		if ex.Name() == cfg.Stages.CriticalStage {
			wired = true
			break
		}
	}
	if !wired {
		return nil, eris.Errorf("pipeline: critical stage %q is not wired", cfg.Stages.CriticalStage)
	}

	return &Pipeline{
		cfg:      cfg,
		store:    st,
		stages:   stages,
		fallback: fallback,
		calib:    calib,
		costCalc: costCalc,
	}, nil
}

// Run executes one prediction. Stage failures never abort the fan-out; every
// stage settles with a terminal result and the aggregation works over
// whatever signals survived. Only a failed critical stage without a usable
// fallback makes the prediction itself fail, and even then the stage
// telemetry is persisted.
func (p *Pipeline) Run(ctx context.Context, req model.PredictionRequest) (*model.PredictionReport, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, eris.Wrap(model.ErrInvalidParameter, "pipeline: empty content")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	log := zap.L().With(zap.String("request_id", req.ID))
	log.Info("pipeline: starting prediction", zap.Int("stages", len(p.stages)))
	start := time.Now()

	results := make([]model.StageResult, len(p.stages))

	g, gCtx := errgroup.WithContext(ctx)
	for i, ex := range p.stages {
		g.Go(func() error {
			stageCtx, cancel := context.WithTimeout(gCtx, p.cfg.Stages.StageTimeout(ex.Name()))
			defer cancel()
			results[i] = ex.Produce(stageCtx, req)
			return nil
		})
	}
	// Stages report failures through their results, never through errors.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// Settled stages have already incurred their cost; the telemetry
		// write must outlive the caller.
		if terr := p.store.RecordStageTelemetry(context.WithoutCancel(ctx), req.ID, results); terr != nil {
			log.Warn("pipeline: failed to record telemetry", zap.Error(terr))
		}
		return nil, eris.Wrap(err, "pipeline: canceled")
	}

	critical := p.criticalResult(results)
	if fb, ran := p.runFallback(ctx, req, critical); ran {
		results = append(results, fb)
		log.Info("pipeline: fallback stage invoked",
			zap.String("stage", fb.StageName),
			zap.String("status", string(fb.Status)),
		)
	}

	if critical != nil && critical.Status == model.StageStatusFailed && !p.fallbackCovered(results) {
		if err := p.store.RecordStageTelemetry(ctx, req.ID, results); err != nil {
			log.Warn("pipeline: failed to record telemetry", zap.Error(err))
		}
		return nil, &model.CriticalStageError{
			StageName: critical.StageName,
			Kind:      critical.ErrorKind,
		}
	}

	signals := make(map[string]float64)
	for _, r := range results {
		if r.HasSignal() {
			signals[r.StageName] = r.Signal()
		}
	}

	rawScore, ok := Aggregate(signals, p.cfg.Stages.Weights)
	if !ok {
		if err := p.store.RecordStageTelemetry(ctx, req.ID, results); err != nil {
			log.Warn("pipeline: failed to record telemetry", zap.Error(err))
		}
		return nil, eris.New("pipeline: no usable signals")
	}

	active := p.calib.Active()
	stageCosts := make([]float64, 0, len(results))
	for _, r := range results {
		stageCosts = append(stageCosts, r.CostCents)
	}

	report := &model.PredictionReport{
		RequestID:             req.ID,
		RawScore:              rawScore,
		CalibratedProbability: p.calib.Apply(rawScore),
		StageResults:          results,
		TotalCostCents:        p.costCalc.Total(stageCosts),
		CalibrationVersion:    active.Version,
		CreatedAt:             time.Now().UTC(),
	}

	if err := p.store.SaveReport(ctx, report); err != nil {
		log.Warn("pipeline: failed to save report", zap.Error(err))
	}
	if err := p.store.RecordStageTelemetry(ctx, req.ID, results); err != nil {
		log.Warn("pipeline: failed to record telemetry", zap.Error(err))
	}

	log.Info("pipeline: prediction complete",
		zap.Float64("raw_score", report.RawScore),
		zap.Float64("probability", report.CalibratedProbability),
		zap.Float64("cost_cents", report.TotalCostCents),
		zap.Strings("degraded", report.DegradedStages()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return report, nil
}

// criticalResult finds the result of the configured critical stage.
func (p *Pipeline) criticalResult(results []model.StageResult) *model.StageResult {
	for i := range results {
		if results[i].StageName == p.cfg.Stages.CriticalStage {
			return &results[i]
		}
	}
	return nil
}

// runFallback decides whether the fallback stage fires and executes it.
func (p *Pipeline) runFallback(ctx context.Context, req model.PredictionRequest, critical *model.StageResult) (model.StageResult, bool) {
	if p.fallback == nil || critical == nil {
		return model.StageResult{}, false
	}

	var trigger bool
	switch p.cfg.Stages.FallbackPolicy {
	case config.FallbackNever:
		trigger = false
	case config.FallbackOnLowSignal:
		trigger = critical.Status == model.StageStatusFailed ||
			(critical.HasSignal() && critical.Signal() < p.cfg.Stages.LowSignalThreshold)
	default: // on_failure
		trigger = critical.Status == model.StageStatusFailed
	}
	if !trigger {
		return model.StageResult{}, false
	}

	fbCtx, cancel := context.WithTimeout(ctx, p.cfg.Stages.StageTimeout(p.fallback.Name()))
	defer cancel()
	return p.fallback.Produce(fbCtx, req), true
}

// fallbackCovered reports whether the fallback stage delivered a signal that
// can stand in for the failed critical stage.
func (p *Pipeline) fallbackCovered(results []model.StageResult) bool {
	for _, r := range results {
		if r.StageName == p.cfg.Stages.FallbackStage && r.HasSignal() {
			return true
		}
	}
	return false
}
