package memory

import (
	"runtime"
	"sync"
	"time"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
)

// GateConfig controls a Gate.
type GateConfig struct {
	// Limit is the heap budget in bytes. Zero disables the gate.
	Limit int64
	// HighWater is the usage fraction below which a closed gate reopens.
	HighWater float64
	// CriticalWater is the usage fraction at which the gate closes.
	CriticalWater float64
	// Interval between samples.
	Interval time.Duration
}

// DefaultGateConfig closes at 85% of limit and reopens under 70%.
func DefaultGateConfig(limit int64) GateConfig {
	return GateConfig{
		Limit:         limit,
		HighWater:     0.70,
		CriticalWater: 0.85,
		Interval:      5 * time.Second,
	}
}

// Gate pauses decode workers while heap allocation is critical.
type Gate struct {
	cfg  GateConfig
	read func() uint64

	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	alloc  uint64
	closed bool
	open   chan struct{}
}

// NewGate returns an open gate. Call Start to begin sampling.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGateConfig(0).Interval
	}
	if cfg.Limit <= 0 {
		logging.Warn("No heap limit configured, memory backpressure disabled")
	}
	return &Gate{
		cfg:  cfg,
		read: heapAlloc,
		stop: make(chan struct{}),
		open: make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Start samples heap usage in the background until Stop.
func (g *Gate) Start() {
	if g.cfg.Limit <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-g.stop:
				return
			}
		}
	}()
}

// Stop ends sampling and releases every blocked Wait.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *Gate) sample() {
	alloc := g.read()
	usage := float64(alloc) / float64(g.cfg.Limit)
	metrics.MemoryUsageRatio.Set(usage)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.alloc = alloc

	switch {
	case !g.closed && usage >= g.cfg.CriticalWater:
		g.closed = true
		metrics.MemoryPaused.Set(1)
		logging.Warn("Heap at %.1f%% of limit, pausing thumbnail workers", usage*100)
		go runtime.GC()
	case g.closed && usage < g.cfg.HighWater:
		g.closed = false
		metrics.MemoryPaused.Set(0)
		close(g.open)
		g.open = make(chan struct{})
		logging.Info("Heap back to %.1f%% of limit, resuming thumbnail workers", usage*100)
	}
}

// Wait blocks while the gate is closed. It returns once the gate reopens or
// the gate is stopped.
func (g *Gate) Wait() {
	g.mu.Lock()
	if !g.closed {
		g.mu.Unlock()
		return
	}
	open := g.open
	g.mu.Unlock()

	logging.Debug("Thumbnail worker waiting for memory pressure to ease")
	select {
	case <-open:
	case <-g.stop:
	}
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Usage returns the last sampled allocation and the limit.
func (g *Gate) Usage() (alloc uint64, limit int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alloc, g.cfg.Limit
}
