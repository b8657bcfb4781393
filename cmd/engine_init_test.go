package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/model"
)

func TestInitRatesDefaultsWhenUnconfigured(t *testing.T) {
	cfg = &config.Config{}

	rates := initRates()
	require.Contains(t, rates.Providers, "anthropic")
	require.Contains(t, rates.Providers, "openai")
}

func TestInitRatesFromConfig(t *testing.T) {
	cfg = &config.Config{
		Pricing: config.PricingConfig{
			Providers: map[string]config.ProviderPricing{
				"anthropic": {
					InputPerMTok:      1.5,
					OutputPerMTok:     7.5,
					FallbackTokensIn:  500,
					FallbackTokensOut: 80,
				},
			},
		},
	}

	rates := initRates()
	require.Len(t, rates.Providers, 1)
	assert.Equal(t, 1.5, rates.Providers["anthropic"].InputPerMTok)
	assert.Equal(t, 500, rates.Providers["anthropic"].FallbackTokensIn)
}

func TestSignalsFromSkipsFailedStages(t *testing.T) {
	sig := 0.8
	report := &model.PredictionReport{
		StageResults: []model.StageResult{
			{StageName: "llm", Status: model.StageStatusSuccess, RawSignal: &sig},
			{StageName: "trend", Status: model.StageStatusFailed, ErrorKind: model.ErrKindTimeout},
		},
	}

	signals := signalsFrom(report)
	require.Len(t, signals, 1)
	assert.Equal(t, 0.8, signals["llm"])
}

func TestInitStoreRejectsUnknownDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "oracle"}}

	_, err := initStore(t.Context())
	assert.ErrorContains(t, err, "unsupported store driver")
}
