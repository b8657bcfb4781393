package cost

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// centsPrecision is the number of decimal places cost values are rounded to.
// Stage costs are rounded individually; totals are summed unrounded and
// rounded once to avoid drift from repeated rounding.
const centsPrecision = 4

// ProviderRate holds token pricing (USD per million tokens) plus the token
// estimates substituted when a provider does not report usage.
type ProviderRate struct {
	InputPerMTok      float64 `yaml:"input_per_mtok" mapstructure:"input_per_mtok"`
	OutputPerMTok     float64 `yaml:"output_per_mtok" mapstructure:"output_per_mtok"`
	FallbackTokensIn  int     `yaml:"fallback_tokens_in" mapstructure:"fallback_tokens_in"`
	FallbackTokensOut int     `yaml:"fallback_tokens_out" mapstructure:"fallback_tokens_out"`
}

// Rates is the full pricing table, keyed by provider id.
type Rates struct {
	Providers map[string]ProviderRate `yaml:"providers" mapstructure:"providers"`
}

// Calculator computes per-call and per-pipeline costs in fractional cents.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Cost returns the cost in cents for a provider call. Token counts of zero or
// less are treated as "usage not reported" and replaced by the provider's
// configured fallback estimates. Unknown providers cost 0: cost accounting
// must never block a stage result.
func (c *Calculator) Cost(provider string, tokensIn, tokensOut int) float64 {
	rate, ok := c.rates.Providers[provider]
	if !ok {
		return 0
	}

	if tokensIn <= 0 {
		tokensIn = rate.FallbackTokensIn
	}
	if tokensOut <= 0 {
		tokensOut = rate.FallbackTokensOut
	}

	usd := (float64(tokensIn)/1e6)*rate.InputPerMTok + (float64(tokensOut)/1e6)*rate.OutputPerMTok
	return RoundCents(usd * 100)
}

// Total sums the per-stage costs of one pipeline run.
func (c *Calculator) Total(stageCosts []float64) float64 {
	return Total(stageCosts)
}

// Total sums stage costs and rounds once at the end.
func Total(stageCosts []float64) float64 {
	var sum float64
	for _, c := range stageCosts {
		sum += c
	}
	return RoundCents(sum)
}

// RoundCents rounds a cents value to the fixed precision.
func RoundCents(cents float64) float64 {
	shift := math.Pow10(centsPrecision)
	return math.Round(cents*shift) / shift
}

// LoadRates reads a pricing table from a yaml file.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rates{}, eris.Wrapf(err, "cost: read rates %s", path)
	}
	var rates Rates
	if err := yaml.Unmarshal(data, &rates); err != nil {
		return Rates{}, eris.Wrapf(err, "cost: parse rates %s", path)
	}
	if len(rates.Providers) == 0 {
		return Rates{}, eris.Errorf("cost: rates file %s has no providers", path)
	}
	return rates, nil
}

// DefaultRates returns the default pricing table.
func DefaultRates() Rates {
	return Rates{
		Providers: map[string]ProviderRate{
			"anthropic": {
				InputPerMTok: 3.00, OutputPerMTok: 15.00,
				FallbackTokensIn: 900, FallbackTokensOut: 120,
			},
			"openai": {
				InputPerMTok: 0.15, OutputPerMTok: 0.60,
				FallbackTokensIn: 900, FallbackTokensOut: 120,
			},
		},
	}
}
