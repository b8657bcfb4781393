package pipeline

// Aggregate combines stage signals into a raw score using a weight-normalized
// mean. Only stages that produced a usable signal participate; their weights
// are renormalized over the participating set so missing signals redistribute
// influence instead of dragging the score toward zero.
func Aggregate(signals map[string]float64, weights map[string]float64) (float64, bool) {
	var sum, weightSum float64
	for name, signal := range signals {
		w, ok := weights[name]
		if !ok {
			w = 1
		}
		if w <= 0 {
			continue
		}
		sum += w * signal
		weightSum += w
	}
	if weightSum == 0 {
		return 0, false
	}
	return sum / weightSum, true
}
