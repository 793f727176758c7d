// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs float noise from dividing prices by decimal tick sizes.
const tickEpsilon = 1e-12

func tickArgsValid(x, tick float64) bool {
	return tick != 0 && !math.IsNaN(x) && !math.IsInf(x, 0)
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 12.37 becomes 12.35.
func RoundToTick(x, tick float64) float64 {
	if !tickArgsValid(x, tick) {
		return x
	}
	tick = math.Abs(tick)
	q := x / tick
	return math.Round(q+math.Copysign(tickEpsilon, q)) * tick
}

// CeilToTick rounds x up to the tick increment at or above it.
func CeilToTick(x, tick float64) float64 {
	if !tickArgsValid(x, tick) {
		return x
	}
	tick = math.Abs(tick)
	return math.Ceil(x/tick-tickEpsilon) * tick
}

// CleanPrice trims binary noise (12.350000000000001) so prices serialize cleanly.
func CleanPrice(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x*1e8) / 1e8
}
