package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI      OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Stages      StagesConfig      `yaml:"stages" mapstructure:"stages"`
	Calibration CalibrationConfig `yaml:"calibration" mapstructure:"calibration"`
	Retrain     RetrainConfig     `yaml:"retrain" mapstructure:"retrain"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the primary scoring provider settings.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// OpenAIConfig holds the secondary (fallback) provider settings.
type OpenAIConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PricingConfig holds the per-provider pricing table.
type PricingConfig struct {
	Providers map[string]ProviderPricing `yaml:"providers" mapstructure:"providers"`
}

// ProviderPricing is one pricing table entry. Fallback token counts are
// substituted when a provider does not report usage.
type ProviderPricing struct {
	InputPerMTok      float64 `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok     float64 `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
	FallbackTokensIn  int     `yaml:"fallback_tokens_in" mapstructure:"fallback_tokens_in"`
	FallbackTokensOut int     `yaml:"fallback_tokens_out" mapstructure:"fallback_tokens_out"`
}

// FallbackPolicy names the condition that triggers the fallback stage.
type FallbackPolicy string

const (
	// FallbackOnFailure invokes the fallback only when the stage providing
	// the same signal failed.
	FallbackOnFailure FallbackPolicy = "on_failure"
	// FallbackOnLowSignal additionally invokes it when the primary signal
	// came in below the configured threshold.
	FallbackOnLowSignal FallbackPolicy = "on_low_signal"
	// FallbackNever disables the fallback stage entirely.
	FallbackNever FallbackPolicy = "never"
)

// StagesConfig configures stage weighting, criticality and the fallback policy.
type StagesConfig struct {
	Weights            map[string]float64 `yaml:"weights" mapstructure:"weights"`
	TimeoutMs          map[string]int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	CriticalStage      string             `yaml:"critical_stage" mapstructure:"critical_stage"`
	FallbackStage      string             `yaml:"fallback_stage" mapstructure:"fallback_stage"`
	FallbackPolicy     FallbackPolicy     `yaml:"fallback_policy" mapstructure:"fallback_policy"`
	LowSignalThreshold float64            `yaml:"low_signal_threshold" mapstructure:"low_signal_threshold"`
}

// StageTimeout returns the configured timeout for a stage, defaulting to 15s.
func (s StagesConfig) StageTimeout(stage string) time.Duration {
	if ms, ok := s.TimeoutMs[stage]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 15 * time.Second
}

// CalibrationConfig configures the calibration engine.
type CalibrationConfig struct {
	Bins          int     `yaml:"bins" mapstructure:"bins"`
	MinSamples    int     `yaml:"min_samples" mapstructure:"min_samples"`
	MaxIterations int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	Tolerance     float64 `yaml:"tolerance" mapstructure:"tolerance"`
}

// RetrainConfig configures the retraining job.
type RetrainConfig struct {
	SplitRatio          float64 `yaml:"split_ratio" mapstructure:"split_ratio"`
	Seed                int64   `yaml:"seed" mapstructure:"seed"`
	RegressionTolerance float64 `yaml:"regression_tolerance" mapstructure:"regression_tolerance"`
	MinOutcomes         int     `yaml:"min_outcomes" mapstructure:"min_outcomes"`
	MaxOutcomes         int     `yaml:"max_outcomes" mapstructure:"max_outcomes"`
	LearningRate        float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	Epochs              int     `yaml:"epochs" mapstructure:"epochs"`
	Schedule            string  `yaml:"schedule" mapstructure:"schedule"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port         int    `yaml:"port" mapstructure:"port"`
	TriggerToken string `yaml:"trigger_token" mapstructure:"trigger_token"`
}

// MonitoringConfig configures the background health checker and its alert
// thresholds.
type MonitoringConfig struct {
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	DegradedRateThreshold float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	CostThresholdCents    float64 `yaml:"cost_threshold_cents" mapstructure:"cost_threshold_cents"`
	ECEThreshold          float64 `yaml:"ece_threshold" mapstructure:"ece_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VIRALCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.rate_limit", 5)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.rate_limit", 5)
	v.SetDefault("stages.critical_stage", "llm")
	v.SetDefault("stages.fallback_stage", "llm_fallback")
	v.SetDefault("stages.fallback_policy", string(FallbackOnFailure))
	v.SetDefault("stages.low_signal_threshold", 0.15)
	v.SetDefault("stages.weights", map[string]float64{
		"llm": 1, "llm_fallback": 1, "rules": 1, "trend": 1, "creator": 1,
	})
	v.SetDefault("calibration.bins", 10)
	v.SetDefault("calibration.min_samples", 10)
	v.SetDefault("calibration.max_iterations", 100)
	v.SetDefault("calibration.tolerance", 1e-6)
	v.SetDefault("retrain.split_ratio", 0.8)
	v.SetDefault("retrain.seed", 42)
	v.SetDefault("retrain.regression_tolerance", 0.02)
	v.SetDefault("retrain.min_outcomes", 50)
	v.SetDefault("retrain.max_outcomes", 100000)
	v.SetDefault("retrain.learning_rate", 0.1)
	v.SetDefault("retrain.epochs", 200)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.25)
	v.SetDefault("monitoring.ece_threshold", 0.1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults
// deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Stages.CriticalStage == "" {
		return eris.New("config: stages.critical_stage is required")
	}
	switch c.Stages.FallbackPolicy {
	case FallbackOnFailure, FallbackOnLowSignal, FallbackNever:
	default:
		return eris.Errorf("config: unknown fallback policy %q", c.Stages.FallbackPolicy)
	}
	for name, w := range c.Stages.Weights {
		if w < 0 {
			return eris.Errorf("config: negative weight for stage %s", name)
		}
	}
	if w, ok := c.Stages.Weights[c.Stages.CriticalStage]; ok && w == 0 {
		return eris.New("config: critical stage must carry a non-zero weight")
	}
	if c.Retrain.SplitRatio <= 0 || c.Retrain.SplitRatio >= 1 {
		return eris.Errorf("config: retrain.split_ratio %v out of (0,1)", c.Retrain.SplitRatio)
	}
	if c.Calibration.Bins <= 0 {
		return eris.Errorf("config: calibration.bins must be positive, got %d", c.Calibration.Bins)
	}
	if c.Retrain.RegressionTolerance < 0 {
		return eris.New("config: retrain.regression_tolerance must be non-negative")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
