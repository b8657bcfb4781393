package ml

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralcast/prediction-engine/internal/model"
)

func labeledPairs(positives, negatives int) []model.OutcomePair {
	pairs := make([]model.OutcomePair, 0, positives+negatives)
	for i := 0; i < positives; i++ {
		pairs = append(pairs, model.OutcomePair{RequestID: fmt.Sprintf("p%d", i), Outcome: true})
	}
	for i := 0; i < negatives; i++ {
		pairs = append(pairs, model.OutcomePair{RequestID: fmt.Sprintf("n%d", i), Outcome: false})
	}
	return pairs
}

func countPositives(pairs []model.OutcomePair) int {
	var n int
	for _, p := range pairs {
		if p.Outcome {
			n++
		}
	}
	return n
}

func TestStratifiedSplitPreservesClassBalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                 string
		positives, negatives int
		ratio                float64
	}{
		{"balanced", 50, 50, 0.8},
		{"imbalanced", 90, 10, 0.8},
		{"severe imbalance", 97, 3, 0.7},
		{"small", 7, 5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pairs := labeledPairs(tt.positives, tt.negatives)
			train, test := StratifiedSplit(pairs, tt.ratio, 42)

			assert.Equal(t, len(pairs), len(train)+len(test))

			// Each class is sliced by the same ratio, so the train partition
			// holds within one sample of ratio*classSize per class.
			wantPos := tt.ratio * float64(tt.positives)
			wantNeg := tt.ratio * float64(tt.negatives)
			assert.LessOrEqual(t, math.Abs(float64(countPositives(train))-wantPos), 1.0)
			negTrain := len(train) - countPositives(train)
			assert.LessOrEqual(t, math.Abs(float64(negTrain)-wantNeg), 1.0)

			// Minority class survives into the test set.
			if tt.negatives >= 3 {
				assert.Positive(t, len(test)-countPositives(test))
			}
		})
	}
}

func TestStratifiedSplitReproducibleUnderFixedSeed(t *testing.T) {
	t.Parallel()

	pairs := labeledPairs(60, 40)

	train1, test1 := StratifiedSplit(pairs, 0.8, 42)
	train2, test2 := StratifiedSplit(pairs, 0.8, 42)
	require.Equal(t, train1, train2)
	require.Equal(t, test1, test2)

	train3, _ := StratifiedSplit(pairs, 0.8, 43)
	assert.NotEqual(t, train1, train3)
}

func TestStratifiedSplitDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	pairs := labeledPairs(20, 20)
	first := pairs[0].RequestID
	StratifiedSplit(pairs, 0.5, 1)
	assert.Equal(t, first, pairs[0].RequestID)
}
