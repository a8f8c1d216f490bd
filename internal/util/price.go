// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs float division noise so that exact tick multiples do
// not floor/ceil to the neighboring tick.
const tickEpsilon = 1e-12

func normalizeTick(x, tick float64) (float64, bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) || tick == 0 {
		return 0, false
	}
	return math.Abs(tick), true
}

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	t, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Round(x/t) * t
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick float64) float64 {
	t, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Floor(x/t+tickEpsilon) * t
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	t, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Ceil(x/t-tickEpsilon) * t
}

// SnapToStep rounds an underlying price to the nearest strike-step multiple,
// e.g. 5003.7 with step 5 becomes 5005.
func SnapToStep(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	return math.Round(price/step) * step
}

// ClampMin returns x bounded below by min.
func ClampMin(x, min float64) float64 {
	if x < min {
		return min
	}
	return x
}
