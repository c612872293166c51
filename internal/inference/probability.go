package inference

import (
	"math"
	"sort"
)

// Softmax converts logits to a probability distribution. The maximum logit is
// subtracted before exponentiating.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, v := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(v))
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// TopK returns the indices of the k largest probabilities in descending
// order. Equal probabilities keep the lower index first.
func TopK(probs []float64, k int) []int {
	if k > len(probs) {
		k = len(probs)
	}
	if k <= 0 {
		return []int{}
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	return idx[:k]
}

// Percent converts a probability to a percentage with two decimals.
func Percent(p float64) float64 {
	return float64(hundredths(p)) / 100
}

func hundredths(p float64) int64 {
	return int64(math.Round(p * 10000))
}

// roundPercents rounds each probability to a two-decimal percentage. When
// rounding pushes the total over 100 the smallest entry absorbs the excess.
func roundPercents(probs []float64) []float64 {
	units := make([]int64, len(probs))
	var total int64
	for i, p := range probs {
		units[i] = hundredths(p)
		total += units[i]
	}
	if excess := total - 10000; excess > 0 && len(units) > 0 {
		last := len(units) - 1
		units[last] = max(0, units[last]-excess)
	}

	percents := make([]float64, len(units))
	for i, u := range units {
		percents[i] = float64(u) / 100
	}
	return percents
}
