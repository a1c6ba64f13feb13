// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// SecsToDuration converts floating point seconds to a Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// Clamp limits input to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// ArangeInclusive returns start, start+step, ... for every value below
// end+eps, so end itself is included despite floating point error in step.
// Each value is computed from start rather than accumulated.  An end below
// start, or a non-positive step, gives an empty slice.
func ArangeInclusive(start, end, step, eps float64) []float64 {
	if step <= 0 {
		return nil
	}
	n := int(math.Ceil((end + eps - start) / step))
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Reversed returns a reversed copy of s
func Reversed(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
