package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/cost"
	"github.com/viralcast/prediction-engine/internal/ml"
	"github.com/viralcast/prediction-engine/internal/monitoring"
	"github.com/viralcast/prediction-engine/internal/pipeline"
	"github.com/viralcast/prediction-engine/internal/resilience"
	"github.com/viralcast/prediction-engine/internal/stage"
	"github.com/viralcast/prediction-engine/internal/store"
	anthropicpkg "github.com/viralcast/prediction-engine/pkg/anthropic"
	openaipkg "github.com/viralcast/prediction-engine/pkg/openai"
)

// engineEnv holds the initialized store, pipeline, retrainer and monitoring
// collector shared by the predict/serve/retrain commands.
type engineEnv struct {
	Store     store.Store
	Pipeline  *pipeline.Pipeline
	Engine    *calibration.Engine
	Retrainer *ml.Retrainer
	Collector *monitoring.Collector
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "viralcast.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initRates builds the pricing table from config, falling back to the
// built-in defaults when no providers are configured.
func initRates() cost.Rates {
	if len(cfg.Pricing.Providers) == 0 {
		return cost.DefaultRates()
	}
	providers := make(map[string]cost.ProviderRate, len(cfg.Pricing.Providers))
	for name, p := range cfg.Pricing.Providers {
		providers[name] = cost.ProviderRate{
			InputPerMTok:      p.InputPerMTok,
			OutputPerMTok:     p.OutputPerMTok,
			FallbackTokensIn:  p.FallbackTokensIn,
			FallbackTokensOut: p.FallbackTokensOut,
		}
	}
	return cost.Rates{Providers: providers}
}

// initEngine sets up the store, seeds the calibration engine from the
// persisted active model, and builds the pipeline. Callers should defer
// env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	// Resume serving with the last accepted calibration; NewEngine falls back
	// to the identity model when none has been published yet.
	active, err := st.ActiveCalibration(ctx)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load active calibration")
	}
	engine := calibration.NewEngine(active)
	if active != nil {
		zap.L().Info("calibration model loaded",
			zap.Int("version", active.Version),
			zap.Float64("a", active.A),
			zap.Float64("b", active.B),
		)
	} else {
		zap.L().Warn("no published calibration model, serving identity calibration")
	}

	costCalc := cost.NewCalculator(initRates())
	breakers := resilience.NewProviderBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 2,
	})

	stages := []stage.Executor{
		stage.NewLLMStage(
			anthropicpkg.NewClient(cfg.Anthropic.Key),
			cfg.Anthropic,
			cfg.Stages.StageTimeout("llm"),
			costCalc,
			breakers,
		),
		stage.NewRulesStage(),
		stage.NewTrendStage(),
		stage.NewCreatorStage(),
	}

	var fallback stage.Executor
	if cfg.OpenAI.Key != "" {
		fallback = stage.NewFallbackLLMStage(
			openaipkg.NewClient(cfg.OpenAI.Key),
			cfg.OpenAI,
			cfg.Stages.StageTimeout("llm_fallback"),
			costCalc,
			breakers,
		)
	} else {
		zap.L().Warn("VIRALCAST_OPENAI_KEY not set, fallback stage disabled")
	}

	p, err := pipeline.New(cfg, st, stages, fallback, engine, costCalc)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &engineEnv{
		Store:     st,
		Pipeline:  p,
		Engine:    engine,
		Retrainer: ml.NewRetrainer(cfg, st, engine),
		Collector: monitoring.NewCollector(st, cfg.Calibration.Bins),
	}, nil
}
