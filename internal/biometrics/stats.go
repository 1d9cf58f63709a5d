package biometrics

import "math"

// Dispersion returns the population standard deviation of xs.
// Empty and single-element lists have zero dispersion.
func Dispersion(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// Mean returns the arithmetic mean of xs, or 0 for an empty list.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
