package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateEqualWeights(t *testing.T) {
	t.Parallel()

	signals := map[string]float64{"a": 0.8, "b": 0.6, "c": 0.5, "d": 0.7, "e": 0.4}
	weights := map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}

	raw, ok := Aggregate(signals, weights)
	assert.True(t, ok)
	assert.InDelta(t, 0.6, raw, 1e-9)
}

func TestAggregateRenormalizesOverMissingSignals(t *testing.T) {
	t.Parallel()

	// A missing signal redistributes its weight instead of pulling toward 0.
	weights := map[string]float64{"a": 2, "b": 1, "c": 1}
	raw, ok := Aggregate(map[string]float64{"a": 0.9, "b": 0.3}, weights)
	assert.True(t, ok)
	assert.InDelta(t, (2*0.9+0.3)/3, raw, 1e-9)
}

func TestAggregateUnknownStageDefaultsToUnitWeight(t *testing.T) {
	t.Parallel()

	raw, ok := Aggregate(map[string]float64{"x": 0.5, "y": 0.7}, map[string]float64{})
	assert.True(t, ok)
	assert.InDelta(t, 0.6, raw, 1e-9)
}

func TestAggregateZeroWeightExcluded(t *testing.T) {
	t.Parallel()

	weights := map[string]float64{"a": 0, "b": 1}
	raw, ok := Aggregate(map[string]float64{"a": 1.0, "b": 0.4}, weights)
	assert.True(t, ok)
	assert.InDelta(t, 0.4, raw, 1e-9)
}

func TestAggregateNoSignals(t *testing.T) {
	t.Parallel()

	_, ok := Aggregate(nil, map[string]float64{"a": 1})
	assert.False(t, ok)

	_, ok = Aggregate(map[string]float64{"a": 0.5}, map[string]float64{"a": 0})
	assert.False(t, ok)
}
