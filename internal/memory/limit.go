package memory

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"

	"media-thumbnailer/internal/logging"
)

// DefaultRatio is the share of the container limit given to the Go heap.
const DefaultRatio = 0.85

// Budget describes the heap limit in force after SetHeapLimit.
type Budget struct {
	// Source is "GOMEMLIMIT", "MEMORY_LIMIT" or "none".
	Source         string
	ContainerLimit int64
	HeapLimit      int64
	Ratio          float64
}

// SetHeapLimit applies ratio of containerLimit as the runtime's soft memory
// limit. When GOMEMLIMIT is present in the environment the runtime already
// honors it and it is only reported. A non-positive containerLimit leaves
// the runtime alone; a ratio outside (0, 1] falls back to DefaultRatio.
func SetHeapLimit(containerLimit int64, ratio float64) Budget {
	if env := os.Getenv("GOMEMLIMIT"); env != "" {
		b := Budget{Source: "GOMEMLIMIT"}
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
			b.HeapLimit = limit
		}
		logging.Info("Heap limit from GOMEMLIMIT=%s", env)
		return b
	}
	if containerLimit <= 0 {
		logging.Debug("No container memory limit, heap limit not configured")
		return Budget{Source: "none"}
	}
	if ratio <= 0 || ratio > 1 {
		if ratio != 0 {
			logging.Warn("Memory ratio %.2f out of range (0-1], using %.2f", ratio, DefaultRatio)
		}
		ratio = DefaultRatio
	}

	heap := int64(float64(containerLimit) * ratio)
	debug.SetMemoryLimit(heap)
	logging.Info("Heap limit set to %s (%.0f%% of %s container limit)",
		FormatBytes(heap), ratio*100, FormatBytes(containerLimit))
	return Budget{
		Source:         "MEMORY_LIMIT",
		ContainerLimit: containerLimit,
		HeapLimit:      heap,
		Ratio:          ratio,
	}
}

// FormatBytes renders b with binary units, e.g. "1.5 GiB".
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatInt(b, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}
