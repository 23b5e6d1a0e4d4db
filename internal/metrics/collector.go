package metrics

import (
	"time"

	"media-thumbnailer/internal/logging"
)

// StatsProvider reports a point-in-time view of the thumbnail scheduler.
type StatsProvider interface {
	GetStats() Stats
}

// Stats holds the scheduler gauges sampled by the Collector.
type Stats struct {
	MemoryCacheEntries int `json:"memoryCacheEntries"`
	InFlight           int `json:"inFlight"`
	VideoOutstanding   int `json:"videoOutstanding"`
	VideoQueued        int `json:"videoQueued"`
}

// Collector periodically samples a StatsProvider into gauges.
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	stopChan      chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.statsProvider == nil {
		return
	}

	stats := c.statsProvider.GetStats()

	ThumbnailMemoryCacheEntries.Set(float64(stats.MemoryCacheEntries))
	ThumbnailInFlight.Set(float64(stats.InFlight))
	VideoOutstanding.Set(float64(stats.VideoOutstanding))
	VideoQueueDepth.Set(float64(stats.VideoQueued))

	logging.Debug("Metrics collected: memory=%d, in_flight=%d, video_outstanding=%d, video_queued=%d",
		stats.MemoryCacheEntries, stats.InFlight, stats.VideoOutstanding, stats.VideoQueued)
}
