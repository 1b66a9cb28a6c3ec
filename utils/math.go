// utils/math.go
package utils

import "math"

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RelDiff returns the relative difference between value and reference as a
// fraction of the reference. A zero reference with a non-zero value yields 1.
func RelDiff(value, reference float64) float64 {
	if reference == 0 {
		if value == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(value-reference) / math.Abs(reference)
}

// RoundToPrecision rounds a float64 to a specified number of decimal places.
func RoundToPrecision(value float64, precision int) float64 {
	pow := math.Pow(10, float64(precision))
	return math.Round(value*pow) / pow
}

// Clamp limits value to the inclusive range [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
