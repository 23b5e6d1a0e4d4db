package mediacache

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/mp4"
)

// loadRemoteVideoThumbnail runs the strategy chain up to Retries+1 times,
// clearing the partial cache between attempts.
func (m *Manager) loadRemoteVideoThumbnail(ctx context.Context, raw string, size media.Size, timestamp float64) (image.Image, error) {
	cfg := m.VideoConfig()
	attempts := cfg.Retries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.VideoRetries.Inc()
			logging.Debug("Retrying video thumbnail for %s (attempt %d/%d): %v", raw, attempt+1, attempts, lastErr)
		}
		img, err := m.remoteVideoThumbnailOnce(ctx, raw, size, timestamp)
		if err == nil {
			return img, nil
		}
		lastErr = err
		m.clearPartial(raw)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < attempts-1 && cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.RetryDelay):
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: video thumbnail for %s", media.ErrGenerationFailed, raw)
	}
	return nil, lastErr
}

func (m *Manager) remoteVideoThumbnailOnce(ctx context.Context, raw string, size media.Size, timestamp float64) (image.Image, error) {
	cfg := m.VideoConfig()
	proc := m.opts.Processor

	if err := m.checkOversized(ctx, raw, cfg); err != nil {
		return nil, err
	}

	if media.IsHLS(raw) {
		img, err := proc.GenerateHLSThumbnail(ctx, raw, size, timestamp)
		observeStrategy("hls", err)
		return img, err
	}

	if total, supported := m.probeRange(ctx, raw); supported {
		allowed := cfg.limitFor(false)
		if allowed <= 0 || (total > 0 && total <= allowed) {
			img, err := proc.GenerateVideoThumbnailFromURL(ctx, m.maybeProxy(raw), size, timestamp)
			observeStrategy("direct_url", err)
			if err == nil {
				return img, nil
			}
			logging.Debug("Direct URL extraction failed for %s: %v", raw, err)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	probeBytes := m.opts.PartialMaxBytes
	if cfg.MaxNonFaststartBytes > 0 {
		probeBytes = min(probeBytes, cfg.MaxNonFaststartBytes)
	}
	partial, err := m.downloadPartial(ctx, raw, probeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to download partial media: %w", err)
	}

	mp4Like := media.IsMP4Family(media.ExtFromURL(raw))
	faststart := m.faststart(partial, mp4Like)

	if !faststart && mp4Like {
		img, err := m.moovOnlyThumbnail(ctx, raw, partial, size, timestamp, cfg)
		observeStrategy("moov_tail", err)
		if err == nil {
			return img, nil
		}
		logging.Debug("moov-only thumbnail failed for %s: %v", raw, err)
	}

	if err := m.checkSize(ctx, raw, cfg.limitFor(faststart)); err != nil {
		return nil, err
	}

	img, err := proc.GenerateVideoThumbnail(ctx, partial, size, timestamp)
	observeStrategy("partial", err)
	if err == nil {
		return img, nil
	}
	logging.Debug("Partial decode failed for %s: %v", raw, err)

	if !faststart && cfg.MaxNonFaststartBytes > 0 {
		expanded := cfg.MaxNonFaststartBytes
		if cfg.MaxBytes > 0 {
			expanded = min(expanded, cfg.MaxBytes)
		}
		if expanded > probeBytes {
			if bigger, err := m.downloadPartial(ctx, raw, expanded); err == nil {
				faststart = m.faststart(bigger, mp4Like)
				if err := m.checkSize(ctx, raw, cfg.limitFor(faststart)); err != nil {
					return nil, err
				}
				img, err := proc.GenerateVideoThumbnail(ctx, bigger, size, timestamp)
				observeStrategy("expanded_partial", err)
				return img, err
			}
		}
	}

	if !m.opts.AllowFullVideoDownload {
		return nil, fmt.Errorf("%w: %s", media.ErrDownloadsDisabled, raw)
	}
	if err := m.checkSize(ctx, raw, cfg.limitFor(faststart)); err != nil {
		return nil, err
	}

	path, err := m.downloadMedia(ctx, raw)
	if err != nil {
		observeStrategy("full", err)
		return nil, err
	}
	img, err = proc.GenerateVideoThumbnail(ctx, path, size, timestamp)
	observeStrategy("full", err)
	return img, err
}

// checkOversized fails fast for URLs flagged by an earlier attempt. A flag
// whose recorded size now fits the limit is stale and is cleared, as is
// every flag while limits are disabled.
func (m *Manager) checkOversized(ctx context.Context, raw string, cfg VideoConfig) error {
	st := m.opts.Store
	if st == nil {
		return nil
	}
	if !cfg.limitsSet() {
		if err := st.RemoveOversizedFlag(ctx, raw); err != nil {
			logging.Debug("Failed to clear oversized flag for %s: %v", raw, err)
		}
		return nil
	}

	entry, err := st.IsFileOversized(ctx, raw)
	if err != nil {
		logging.Debug("Oversized lookup failed for %s: %v", raw, err)
		return nil
	}
	if entry == nil {
		return nil
	}
	if entry.Size <= cfg.limitFor(false) {
		logging.Debug("Oversized flag for %s no longer applies, retrying", raw)
		if err := st.RemoveOversizedFlag(ctx, raw); err != nil {
			logging.Debug("Failed to clear oversized flag for %s: %v", raw, err)
		}
		return nil
	}

	metrics.OversizedFastFails.Inc()
	logging.Info("Skipping video thumbnail, flagged as oversized: %s (size: %dMB, limit: %dMB)",
		raw, entry.Size>>20, entry.Limit>>20)
	return fmt.Errorf("%w: %s is %dMB", media.ErrSizeLimitExceeded, raw, entry.Size>>20)
}

// checkSize enforces limit against the known remote size. Unknown sizes are
// refused while a limit is set. Oversized URLs are flagged for fast-fail.
func (m *Manager) checkSize(ctx context.Context, raw string, limit int64) error {
	if limit <= 0 {
		return nil
	}
	total := m.knownSize(ctx, raw)
	if total <= 0 {
		return fmt.Errorf("%w: %s", media.ErrSizeUnknown, raw)
	}
	if total <= limit {
		return nil
	}
	if st := m.opts.Store; st != nil {
		if err := st.FlagFileAsOversized(context.WithoutCancel(ctx), raw, total, limit); err != nil {
			logging.Debug("Failed to flag %s as oversized: %v", raw, err)
		}
	}
	logging.Warn("Video too large for thumbnail: %s (%dMB > %dMB)", raw, total>>20, limit>>20)
	return fmt.Errorf("%w: %s is %d bytes, limit %d", media.ErrSizeLimitExceeded, raw, total, limit)
}

func (m *Manager) faststart(partial string, mp4Like bool) bool {
	if !mp4Like {
		return true
	}
	ok, err := mp4.IsFaststartFile(partial)
	if err != nil {
		logging.Debug("Faststart check failed for %s: %v", filepath.Base(partial), err)
		return false
	}
	return ok
}

// moovOnlyThumbnail decodes a synthetic file made of the cached head of raw
// followed by the moov box found in its tail. Only the tail bytes are
// fetched, so this runs before the size limit is enforced.
func (m *Manager) moovOnlyThumbnail(ctx context.Context, raw, partial string, size media.Size, timestamp float64, cfg VideoConfig) (image.Image, error) {
	total, supported := m.cachedSize(raw)
	if !supported {
		total, supported = m.probeRange(ctx, raw)
	}
	if !supported || total <= 0 {
		return nil, errRangeUnsupported
	}

	tailBytes := m.opts.MoovTailMaxBytes
	if cfg.MaxNonFaststartBytes > 0 {
		tailBytes = min(tailBytes, cfg.MaxNonFaststartBytes)
	}
	tail, err := m.fetchTail(ctx, raw, total, tailBytes)
	if err != nil {
		return nil, fmt.Errorf("tail fetch: %w", err)
	}
	moov, err := mp4.ExtractMoov(tail)
	if err != nil {
		return nil, err
	}

	head, err := os.ReadFile(partial)
	if err != nil {
		return nil, err
	}

	synth := partial + ".moovtmp"
	l := m.lock(filepath.Base(synth))
	l.Lock()
	defer l.Unlock()
	defer func() { _ = os.Remove(synth) }()

	f, err := os.Create(synth)
	if err != nil {
		return nil, err
	}
	_, werr := f.Write(head)
	if werr == nil {
		_, werr = f.Write(moov)
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, werr
	}

	return m.opts.Processor.GenerateVideoThumbnail(ctx, synth, size, timestamp)
}

func observeStrategy(strategy string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.VideoStrategyTotal.WithLabelValues(strategy, outcome).Inc()
}
