package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_thumbnailer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_thumbnailer_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Thumbnail scheduling metrics
var (
	ThumbnailRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_thumbnail_requests_total",
			Help: "Thumbnail requests by how they were admitted (memory_hit, attached, scheduled, queued)",
		},
		[]string{"kind", "admission"},
	)

	ThumbnailResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_thumbnail_results_total",
			Help: "Completed thumbnail tasks by outcome (success, error, timeout, cancelled)",
		},
		[]string{"kind", "outcome"},
	)

	ThumbnailGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_thumbnailer_thumbnail_generation_duration_seconds",
			Help:    "Thumbnail generation task duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	ThumbnailCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_thumbnail_cache_hits_total",
			Help: "Thumbnail cache hits by layer (memory, disk, store)",
		},
		[]string{"layer"},
	)

	ThumbnailCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_thumbnail_cache_misses_total",
			Help: "Thumbnail cache misses by layer (memory, disk, store)",
		},
		[]string{"layer"},
	)

	ThumbnailTimeoutExtensions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_thumbnail_timeout_extensions_total",
			Help: "Number of adaptive image timeout extensions",
		},
	)

	ThumbnailMemoryCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_thumbnail_memory_cache_entries",
			Help: "Number of decoded thumbnails held in memory",
		},
	)

	ThumbnailInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_thumbnail_in_flight",
			Help: "Number of cache keys currently being generated",
		},
	)

	VideoOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_video_outstanding",
			Help: "Number of video thumbnail tasks holding a concurrency slot",
		},
	)

	VideoQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_video_queue_depth",
			Help: "Number of video thumbnail requests waiting for a slot",
		},
	)
)

// Decoder metrics
var (
	DecoderInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_decoder_invocations_total",
			Help: "External decoder invocations by tool (ffmpeg, ffprobe), accel (hw, sw) and status",
		},
		[]string{"tool", "accel", "status"},
	)

	DecoderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_thumbnailer_decoder_duration_seconds",
			Help:    "External decoder invocation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	ImageDecodeByBackend = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_image_decode_total",
			Help: "Image decodes by backend (vips, imaging, ffmpeg) and status",
		},
		[]string{"backend", "status"},
	)
)

// Remote media metrics
var (
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_downloads_total",
			Help: "Remote fetches by kind (full, partial, tail, probe) and status",
		},
		[]string{"kind", "status"},
	)

	DownloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_download_bytes_total",
			Help: "Bytes written to the raw cache by fetch kind",
		},
		[]string{"kind"},
	)

	RawCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_raw_cache_hits_total",
			Help: "Raw cache hits by kind (full, partial)",
		},
		[]string{"kind"},
	)

	VideoStrategyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_video_strategy_total",
			Help: "Remote video thumbnail strategies by name and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	OversizedFastFails = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_oversized_fast_fails_total",
			Help: "Requests refused by the oversized registry without network access",
		},
	)

	VideoRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_video_retries_total",
			Help: "Retried remote video thumbnail attempts",
		},
	)
)

// Range proxy metrics
var (
	ProxyChunkLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_proxy_chunk_lookups_total",
			Help: "Range proxy chunk lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	ProxyBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_proxy_bytes_served_total",
			Help: "Bytes served by the range proxy",
		},
	)
)

// Filesystem metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_filesystem_retry_attempts_total",
			Help: "Retry attempts for stale file handle errors by operation",
		},
		[]string{"operation"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_filesystem_retry_failures_total",
			Help: "Operations that still failed after all retries",
		},
		[]string{"operation"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_thumbnailer_filesystem_retry_success_total",
			Help: "Operations that succeeded after at least one retry",
		},
		[]string{"operation"},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_memory_usage_ratio",
			Help: "Heap allocation as a fraction of the memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_thumbnailer_memory_paused",
			Help: "Whether decode workers are paused by memory pressure (1 = paused)",
		},
	)
)
