// Package math holds the small vector and set helpers shared by the
// classifier and embedding packages.
package math

import (
	stdmath "math"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// ok is false when the vectors differ in length, are empty, or either has
// zero magnitude; callers must treat that as "no signal" rather than 0.
func CosineSimilarity(a, b []float32) (sim float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0, false
	}

	sim = dot / (stdmath.Sqrt(magA) * stdmath.Sqrt(magB))
	if stdmath.IsNaN(sim) || stdmath.IsInf(sim, 0) {
		return 0, false
	}
	return Clamp(sim, -1, 1), true
}

// CosineDistance is 1 - CosineSimilarity. Degenerate inputs yield 1.
func CosineDistance(a, b []float32) float64 {
	sim, ok := CosineSimilarity(a, b)
	if !ok {
		return 1
	}
	return 1 - sim
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are identical (1).
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// IsDegenerate reports whether v is empty or has zero magnitude.
func IsDegenerate(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
