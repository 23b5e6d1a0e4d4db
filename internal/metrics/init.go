package metrics

// InitializeMetrics pre-populates the expected label combinations so every
// series is exported from the first scrape.
func InitializeMetrics() {
	for _, kind := range []string{"image", "video"} {
		for _, admission := range []string{"memory_hit", "attached", "scheduled", "queued"} {
			ThumbnailRequestsTotal.WithLabelValues(kind, admission)
		}
		for _, outcome := range []string{"success", "error", "timeout", "cancelled"} {
			ThumbnailResultsTotal.WithLabelValues(kind, outcome)
		}
		ThumbnailGenerationDuration.WithLabelValues(kind)
	}

	for _, layer := range []string{"memory", "disk", "store"} {
		ThumbnailCacheHits.WithLabelValues(layer)
		ThumbnailCacheMisses.WithLabelValues(layer)
	}

	for _, kind := range []string{"full", "partial", "tail", "probe"} {
		DownloadsTotal.WithLabelValues(kind, "success")
		DownloadsTotal.WithLabelValues(kind, "error")
		DownloadBytes.WithLabelValues(kind)
	}
	RawCacheHits.WithLabelValues("full")
	RawCacheHits.WithLabelValues("partial")

	for _, strategy := range []string{"hls", "direct_url", "moov_tail", "partial", "expanded_partial", "full"} {
		VideoStrategyTotal.WithLabelValues(strategy, "success")
		VideoStrategyTotal.WithLabelValues(strategy, "error")
	}

	for _, result := range []string{"hit", "miss", "error"} {
		ProxyChunkLookups.WithLabelValues(result)
	}

	for _, op := range []string{"stat", "open"} {
		FilesystemRetryAttempts.WithLabelValues(op)
		FilesystemRetryFailures.WithLabelValues(op)
		FilesystemRetrySuccess.WithLabelValues(op)
	}
}
