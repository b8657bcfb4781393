// Package ml implements the retraining job: stratified splitting of the
// outcome history, refitting the calibration model, training signal weights,
// and the accept/reject gate that protects the serving model.
package ml

import (
	"math/rand"

	"github.com/viralcast/prediction-engine/internal/model"
)

// StratifiedSplit partitions pairs into train and test sets preserving the
// class balance: each outcome class is shuffled and sliced by the same ratio
// independently, so the test set mirrors the population even under severe
// imbalance. The shuffle is seeded; a fixed seed over a fixed history prefix
// reproduces the exact partition.
func StratifiedSplit(pairs []model.OutcomePair, ratio float64, seed int64) (train, test []model.OutcomePair) {
	var positives, negatives []model.OutcomePair
	for _, p := range pairs {
		if p.Outcome {
			positives = append(positives, p)
		} else {
			negatives = append(negatives, p)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	for _, stratum := range [][]model.OutcomePair{positives, negatives} {
		shuffled := make([]model.OutcomePair, len(stratum))
		copy(shuffled, stratum)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		cut := int(float64(len(shuffled)) * ratio)
		train = append(train, shuffled[:cut]...)
		test = append(test, shuffled[cut:]...)
	}
	return train, test
}
