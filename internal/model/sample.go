package model

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Softmax is numerically stable (max-subtracted).
func Softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LogSumExp returns log(sum(exp(logits))).
func LogSumExp(logits []float64) float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var sum float64
	for _, l := range logits {
		sum += math.Exp(l - maxLogit)
	}
	return maxLogit + math.Log(sum)
}

// ApplyTopP keeps the smallest prefix of the sorted distribution whose mass
// reaches p and zeroes the rest. Weights are not renormalized.
func ApplyTopP(weights []float64, p float64) []float64 {
	if p <= 0 || p >= 1 {
		return weights
	}
	idx := make([]int, len(weights))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return weights[idx[a]] > weights[idx[b]] })
	out := make([]float64, len(weights))
	var sum float64
	for _, i := range idx {
		sum += weights[i]
		out[i] = weights[i]
		if sum >= p {
			break
		}
	}
	return out
}

// SampleWeighted draws an index proportionally to weights.
func SampleWeighted(weights []float64, rng *rand.Rand) int {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	r := rng.Float64() * sum
	var running float64
	for i, w := range weights {
		running += w
		if r <= running && w > 0 {
			return i
		}
	}
	return len(weights) - 1
}

// NextToken samples from logits with temperature and nucleus filtering.
// Temperature <= 0 picks the argmax.
func NextToken(logits []float64, temperature, topP float64, rng *rand.Rand) int {
	if temperature <= 0 {
		best := 0
		for i, l := range logits {
			if l > logits[best] {
				best = i
			}
		}
		return best
	}
	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = l / temperature
	}
	return SampleWeighted(ApplyTopP(Softmax(scaled), topP), rng)
}
