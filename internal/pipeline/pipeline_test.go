package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/cost"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/stage"
)

func testConfig() *config.Config {
	return &config.Config{
		Stages: config.StagesConfig{
			Weights: map[string]float64{
				"llm": 1, "llm_fallback": 1, "rules": 1, "trend": 1, "creator": 1, "extra": 1,
			},
			TimeoutMs:          map[string]int{},
			CriticalStage:      "llm",
			FallbackStage:      "llm_fallback",
			FallbackPolicy:     config.FallbackOnFailure,
			LowSignalThreshold: 0.15,
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, st *mockStore, stages []stage.Executor, fallback stage.Executor) *Pipeline {
	t.Helper()
	p, err := New(cfg, st, stages, fallback, calibration.NewEngine(nil), cost.NewCalculator(cost.DefaultRates()))
	require.NoError(t, err)
	return p
}

func TestPipelineAllStagesSucceed(t *testing.T) {
	t.Parallel()

	st := newPermissiveStore()
	p := newTestPipeline(t, testConfig(), st, []stage.Executor{
		okStage("llm", 0.8),
		okStage("rules", 0.6),
		okStage("trend", 0.5),
		okStage("creator", 0.7),
		okStage("extra", 0.4),
	}, nil)

	report, err := p.Run(context.Background(), model.PredictionRequest{ID: "req-1", Content: "clip"})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, "req-1", report.RequestID)
	assert.InDelta(t, 0.6, report.RawScore, 1e-9)
	// Identity calibration: sigmoid(0.6).
	assert.InDelta(t, 0.645656, report.CalibratedProbability, 1e-5)
	require.Len(t, report.StageResults, 5)
	// Report order follows configuration, not completion order.
	assert.Equal(t, "llm", report.StageResults[0].StageName)
	assert.Equal(t, "extra", report.StageResults[4].StageName)
	assert.Empty(t, report.DegradedStages())
}

func TestPipelineNonCriticalFailureRenormalizes(t *testing.T) {
	t.Parallel()

	st := newPermissiveStore()
	p := newTestPipeline(t, testConfig(), st, []stage.Executor{
		okStage("llm", 0.8),
		okStage("rules", 0.6),
		failedStage("trend", model.ErrKindProviderError),
	}, nil)

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)

	// Mean over the two surviving signals, not three.
	assert.InDelta(t, 0.7, report.RawScore, 1e-9)
	assert.Equal(t, []string{"trend"}, report.DegradedStages())
}

func TestPipelineCriticalFailsFallbackSubstitutes(t *testing.T) {
	t.Parallel()

	st := newPermissiveStore()
	p := newTestPipeline(t, testConfig(), st, []stage.Executor{
		failedStage("llm", model.ErrKindTimeout),
		okStage("rules", 0.6),
	}, okStage("llm_fallback", 0.5))

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)

	require.Len(t, report.StageResults, 3)
	assert.Equal(t, "llm_fallback", report.StageResults[2].StageName)
	// Failed critical is excluded; fallback and rules aggregate.
	assert.InDelta(t, 0.55, report.RawScore, 1e-9)
	assert.Contains(t, report.DegradedStages(), "llm")
}

func TestPipelineCriticalFailsNoFallback(t *testing.T) {
	t.Parallel()

	st := new(mockStore)
	st.On("RecordStageTelemetry", mock.Anything, "req-d", mock.Anything).Return(nil).Once()

	p := newTestPipeline(t, testConfig(), st, []stage.Executor{
		failedStage("llm", model.ErrKindRateLimited),
		okStage("rules", 0.6),
	}, nil)

	report, err := p.Run(context.Background(), model.PredictionRequest{ID: "req-d", Content: "clip"})
	require.Error(t, err)
	assert.Nil(t, report)

	cse, ok := model.AsCriticalStageError(err)
	require.True(t, ok)
	assert.Equal(t, "llm", cse.StageName)
	assert.Equal(t, model.ErrKindRateLimited, cse.Kind)

	// Telemetry survives the failure; no report is written.
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "SaveReport", mock.Anything, mock.Anything)
}

func TestPipelineFallbackAlsoFails(t *testing.T) {
	t.Parallel()

	st := new(mockStore)
	st.On("RecordStageTelemetry", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	p := newTestPipeline(t, testConfig(), st, []stage.Executor{
		failedStage("llm", model.ErrKindProviderError),
	}, failedStage("llm_fallback", model.ErrKindProviderError))

	_, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.Error(t, err)
	_, ok := model.AsCriticalStageError(err)
	assert.True(t, ok)
}

func TestPipelineFallbackPolicyNever(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Stages.FallbackPolicy = config.FallbackNever

	st := new(mockStore)
	st.On("RecordStageTelemetry", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	p := newTestPipeline(t, cfg, st, []stage.Executor{
		failedStage("llm", model.ErrKindTimeout),
		okStage("rules", 0.6),
	}, okStage("llm_fallback", 0.5))

	_, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.Error(t, err)
	_, ok := model.AsCriticalStageError(err)
	assert.True(t, ok)
}

func TestPipelineFallbackOnLowSignal(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Stages.FallbackPolicy = config.FallbackOnLowSignal

	st := newPermissiveStore()
	p := newTestPipeline(t, cfg, st, []stage.Executor{
		okStage("llm", 0.05), // below the 0.15 threshold
		okStage("rules", 0.6),
	}, okStage("llm_fallback", 0.5))

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)

	require.Len(t, report.StageResults, 3)
	// All three signals participate: (0.05 + 0.6 + 0.5) / 3.
	assert.InDelta(t, 1.15/3, report.RawScore, 1e-9)
}

func TestPipelineFallbackNotInvokedOnHealthySignal(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Stages.FallbackPolicy = config.FallbackOnLowSignal

	st := newPermissiveStore()
	p := newTestPipeline(t, cfg, st, []stage.Executor{
		okStage("llm", 0.8),
	}, okStage("llm_fallback", 0.5))

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)
	assert.Len(t, report.StageResults, 1)
}

func TestPipelineEmptyContentRejected(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, testConfig(), newPermissiveStore(), []stage.Executor{okStage("llm", 0.5)}, nil)

	_, err := p.Run(context.Background(), model.PredictionRequest{Content: "   "})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestPipelineAssignsRequestID(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, testConfig(), newPermissiveStore(), []stage.Executor{okStage("llm", 0.5)}, nil)

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)
	assert.NotEmpty(t, report.RequestID)
}

func TestPipelineStageTimeoutIsPerStage(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Stages.TimeoutMs = map[string]int{"trend": 20}

	slow := &stubStage{name: "trend", delay: 500 * time.Millisecond}
	p := newTestPipeline(t, cfg, newPermissiveStore(), []stage.Executor{
		okStage("llm", 0.8),
		slow,
	}, nil)

	start := time.Now()
	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	require.Len(t, report.StageResults, 2)
	assert.Equal(t, model.StageStatusFailed, report.StageResults[1].Status)
	assert.Equal(t, model.ErrKindTimeout, report.StageResults[1].ErrorKind)
	assert.InDelta(t, 0.8, report.RawScore, 1e-9)
}

func TestPipelineCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(t, testConfig(), newPermissiveStore(), []stage.Executor{okStage("llm", 0.5)}, nil)

	_, err := p.Run(ctx, model.PredictionRequest{Content: "clip"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipelineCancellationKeepsStageCost(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sig := 0.8
	llm := &stubStage{name: "llm", result: model.StageResult{
		Status: model.StageStatusSuccess, RawSignal: &sig, CostCents: 0.33,
	}}

	st := new(mockStore)
	st.On("RecordStageTelemetry",
		mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }),
		mock.Anything,
		mock.MatchedBy(func(results []model.StageResult) bool {
			return len(results) == 1 && results[0].CostCents == 0.33
		}),
	).Return(nil).Once()

	p := newTestPipeline(t, testConfig(), st, []stage.Executor{llm}, nil)

	_, err := p.Run(ctx, model.PredictionRequest{Content: "clip"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The settled stage's cost is persisted; no report is written.
	st.AssertExpectations(t)
	st.AssertNotCalled(t, "SaveReport", mock.Anything, mock.Anything)
}

func TestPipelineRejectsUnwiredCriticalStage(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Stages.CriticalStage = "oracle"

	_, err := New(cfg, newPermissiveStore(), []stage.Executor{okStage("llm", 0.5)}, nil,
		calibration.NewEngine(nil), cost.NewCalculator(cost.DefaultRates()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestPipelineTotalCostIncludesFailedStages(t *testing.T) {
	t.Parallel()

	sig := 0.8
	llm := &stubStage{name: "llm", result: model.StageResult{
		Status: model.StageStatusSuccess, RawSignal: &sig, CostCents: 0.33,
	}}
	rules := &stubStage{name: "rules", result: model.StageResult{
		Status: model.StageStatusFailed, ErrorKind: model.ErrKindProviderError, CostCents: 0.012,
	}}

	p := newTestPipeline(t, testConfig(), newPermissiveStore(), []stage.Executor{llm, rules}, nil)

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)
	assert.InDelta(t, 0.342, report.TotalCostCents, 1e-4)
}

func TestPipelineStampsCalibrationVersion(t *testing.T) {
	t.Parallel()

	engine := calibration.NewEngine(&model.CalibrationModel{Version: 7, A: 1, B: 0})
	p, err := New(testConfig(), newPermissiveStore(), []stage.Executor{okStage("llm", 0.5)}, nil,
		engine, cost.NewCalculator(cost.DefaultRates()))
	require.NoError(t, err)

	report, err := p.Run(context.Background(), model.PredictionRequest{Content: "clip"})
	require.NoError(t, err)
	assert.Equal(t, 7, report.CalibrationVersion)
}
