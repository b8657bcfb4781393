package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralcast/prediction-engine/internal/model"
)

func produceRules(t *testing.T, content string) model.StageResult {
	t.Helper()
	return NewRulesStage().Produce(context.Background(), model.PredictionRequest{Content: content})
}

func TestRulesStageEmptyContentFails(t *testing.T) {
	t.Parallel()

	result := produceRules(t, "   ")
	assert.Equal(t, model.StageStatusFailed, result.Status)
	assert.Equal(t, model.ErrKindInvalidResponse, result.ErrorKind)
	assert.Nil(t, result.RawSignal)
}

func TestRulesStageSignalBounds(t *testing.T) {
	t.Parallel()

	contents := []string{
		"short",
		"POV: you won't believe the truth about #golang #coding #dev",
		strings.Repeat("filler text ", 300),
		strings.Repeat("#tag ", 30),
		strings.Repeat("SHOUTING LOUDLY ", 10),
	}
	for _, c := range contents {
		result := produceRules(t, c)
		require.Equal(t, model.StageStatusSuccess, result.Status, "content=%q", c[:min(20, len(c))])
		require.NotNil(t, result.RawSignal)
		assert.GreaterOrEqual(t, *result.RawSignal, 0.0)
		assert.LessOrEqual(t, *result.RawSignal, 1.0)
	}
}

func TestRulesStageHooksBeatPlainContent(t *testing.T) {
	t.Parallel()

	plain := produceRules(t, "Today I went for a walk in the park and saw some nice trees along the path.")
	hooked := produceRules(t, "You won't believe here's why this park walk changed everything for me honestly.")

	require.NotNil(t, plain.RawSignal)
	require.NotNil(t, hooked.RawSignal)
	assert.Greater(t, *hooked.RawSignal, *plain.RawSignal)
}

func TestRulesStageNormalizesUnicodeVariants(t *testing.T) {
	t.Parallel()

	// Fullwidth characters should still match the hook word lists.
	fullwidth := produceRules(t, "ＰＯＶ： this is a normal length piece of content for testing purposes here.")
	plain := produceRules(t, "Plain: this is a normal length piece of content for testing purposes here.")

	require.NotNil(t, fullwidth.RawSignal)
	require.NotNil(t, plain.RawSignal)
	assert.Greater(t, *fullwidth.RawSignal, *plain.RawSignal)
}

func TestRulesStageTagWallPenalty(t *testing.T) {
	t.Parallel()

	few := produceRules(t, "Check out my new video about cooking pasta at home #cooking #pasta #food")
	wall := produceRules(t, "Check out my new video about cooking pasta at home "+strings.Repeat("#tag", 15))

	require.NotNil(t, few.RawSignal)
	require.NotNil(t, wall.RawSignal)
	assert.Greater(t, *few.RawSignal, *wall.RawSignal)
}
