// Package workers sizes and runs the bounded goroutine pools used for
// thumbnail generation.
//
// Sizing uses GOMAXPROCS rather than runtime.NumCPU so container CPU limits
// are respected.
package workers

import (
	"runtime"
)

// Count returns a worker count of GOMAXPROCS scaled by multiplier, at least 1
// and capped by limit when limit > 0.
func Count(multiplier float64, limit int) int {
	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForCPU returns worker count for CPU-bound tasks such as image decode.
func ForCPU(limit int) int {
	return Count(1.0, limit)
}

// ForIO returns worker count for network-bound tasks.
func ForIO(limit int) int {
	return Count(2.0, limit)
}
