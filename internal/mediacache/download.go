package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/store"
)

var errRangeUnsupported = errors.New("range requests not supported")

func urlDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// rawName returns the cache file name for raw: its URL digest plus the
// original extension, or .bin.
func rawName(raw string) string {
	ext := ".bin"
	if u, err := url.Parse(raw); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}
	return urlDigest(raw) + ext
}

// RawPath is where the full download of raw is cached.
func (m *Manager) RawPath(raw string) string {
	return filepath.Join(m.rawDir, rawName(raw))
}

// PartialPath is where the head of raw is cached.
func (m *Manager) PartialPath(raw string) string {
	return m.RawPath(raw) + ".partial"
}

// downloadMedia fetches raw into the raw cache unless it is already there.
func (m *Manager) downloadMedia(ctx context.Context, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s", media.ErrUnsupportedScheme, raw)
	}
	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "http", "https":
	case "":
		return "", fmt.Errorf("%w: %s", media.ErrNotFound, raw)
	default:
		return "", fmt.Errorf("%w: %s", media.ErrUnsupportedScheme, u.Scheme)
	}

	target := m.RawPath(raw)
	if filesystem.Exists(target) {
		metrics.RawCacheHits.WithLabelValues("full").Inc()
		return target, nil
	}

	l := m.lock(urlDigest(raw))
	l.Lock()
	defer l.Unlock()

	if filesystem.Exists(target) {
		metrics.RawCacheHits.WithLabelValues("full").Inc()
		return target, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("full", "error").Inc()
		return "", fmt.Errorf("failed to download %s: %w", raw, err)
	}
	defer func() { _ = resp.Body.Close() }()

	logging.Debug("download %s -> %s %d", raw, resp.Request.URL, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.DownloadsTotal.WithLabelValues("full", "error").Inc()
		return "", &media.HTTPError{StatusCode: resp.StatusCode, URL: raw}
	}
	m.cacheRemoteSize(raw, resp.Header, resp.ContentLength)

	n, err := filesystem.WriteFileAtomic(target, resp.Body)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("full", "error").Inc()
		return "", fmt.Errorf("failed to save %s: %w", raw, err)
	}
	metrics.DownloadsTotal.WithLabelValues("full", "success").Inc()
	metrics.DownloadBytes.WithLabelValues("full").Add(float64(n))

	m.recordRemoteContent(ctx, raw, resp.Header, n)
	return target, nil
}

// downloadPartial returns a cached file holding at least the first maxBytes
// of raw (or the whole file when it is smaller), fetching it with a range
// request when the cached copy is missing or too short.
func (m *Manager) downloadPartial(ctx context.Context, raw string, maxBytes int64) (string, error) {
	maxBytes = max(maxBytes, 1)
	target := m.PartialPath(raw)

	l := m.lock(filepath.Base(target))
	l.Lock()
	defer l.Unlock()

	if m.partialCovers(raw, target, maxBytes) {
		metrics.RawCacheHits.WithLabelValues("partial").Inc()
		return target, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", maxBytes-1))

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("partial", "error").Inc()
		return "", fmt.Errorf("failed to download partial %s: %w", raw, err)
	}
	defer func() { _ = resp.Body.Close() }()

	logging.Debug("download partial %s -> %d range=%s", raw, resp.StatusCode, req.Header.Get("Range"))
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if !advertisesRanges(resp.Header) {
			metrics.DownloadsTotal.WithLabelValues("partial", "error").Inc()
			return "", errRangeUnsupported
		}
	default:
		metrics.DownloadsTotal.WithLabelValues("partial", "error").Inc()
		return "", &media.HTTPError{StatusCode: resp.StatusCode, URL: raw}
	}
	m.cacheRemoteSize(raw, resp.Header, fullLengthHint(resp))
	m.recordRemoteContent(ctx, raw, resp.Header, 0)

	n, err := filesystem.WriteFileAtomic(target, io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("partial", "error").Inc()
		return "", fmt.Errorf("failed to save partial %s: %w", raw, err)
	}
	metrics.DownloadsTotal.WithLabelValues("partial", "success").Inc()
	metrics.DownloadBytes.WithLabelValues("partial").Add(float64(n))
	return target, nil
}

// partialCovers reports whether the cached partial at target already holds
// maxBytes or the whole file. A shorter partial is removed. Callers hold the
// path lock.
func (m *Manager) partialCovers(raw, target string, maxBytes int64) bool {
	info, err := os.Stat(target)
	if err != nil {
		return false
	}
	total, _ := m.cachedSize(raw)
	if info.Size() >= maxBytes || (total > 0 && info.Size() >= total) {
		return true
	}
	if err := os.Remove(target); err != nil {
		logging.Debug("Could not replace short partial %s: %v", filepath.Base(target), err)
		return true
	}
	return false
}

// clearPartial drops the cached head of raw so the next attempt re-probes.
func (m *Manager) clearPartial(raw string) {
	if err := os.Remove(m.PartialPath(raw)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Debug("Failed to clear partial cache for %s: %v", raw, err)
	}
}

// probeRange issues a one byte range request. It reports the total size, or
// 0 when unknown, and whether the server honors ranges. Errors mean
// "unsupported".
func (m *Manager) probeRange(ctx context.Context, raw string) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("probe", "error").Inc()
		logging.Debug("Range probe failed for %s: %v", raw, err)
		return 0, false
	}
	_ = resp.Body.Close()
	metrics.DownloadsTotal.WithLabelValues("probe", "success").Inc()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, false
	}
	supported := resp.StatusCode == http.StatusPartialContent || advertisesRanges(resp.Header)

	total := m.cacheRemoteSize(raw, resp.Header, fullLengthHint(resp))
	if total <= 0 {
		total = m.lookupHashSize(ctx, raw)
	}
	m.recordRemoteContent(ctx, raw, resp.Header, 0)
	return total, supported
}

// fetchTail returns the last n bytes of a resource of the given total size.
// Only a 206 response is accepted.
func (m *Manager) fetchTail(ctx context.Context, raw string, total, n int64) ([]byte, error) {
	n = min(n, total)
	if n <= 0 {
		return nil, fmt.Errorf("nothing to fetch")
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.TailTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", total-n, total-1))

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("tail", "error").Inc()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusPartialContent {
		metrics.DownloadsTotal.WithLabelValues("tail", "error").Inc()
		return nil, &media.HTTPError{StatusCode: resp.StatusCode, URL: raw}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("tail", "error").Inc()
		return nil, err
	}
	metrics.DownloadsTotal.WithLabelValues("tail", "success").Inc()
	metrics.DownloadBytes.WithLabelValues("tail").Add(float64(len(data)))
	return data, nil
}

func advertisesRanges(h http.Header) bool {
	return strings.EqualFold(h.Get("Accept-Ranges"), "bytes") || h.Get("Content-Range") != ""
}

// fullLengthHint is the response body length when it represents the whole
// resource.
func fullLengthHint(resp *http.Response) int64 {
	if resp.StatusCode == http.StatusOK {
		return resp.ContentLength
	}
	return 0
}

// totalLength reads the resource size from Content-Range, then
// Content-Length, then fallback. Non-positive means unknown.
func totalLength(h http.Header, fallback int64) int64 {
	if cr := h.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if v, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil && v > 0 {
				return v
			}
		}
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if v, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && v > 0 {
			if h.Get("Content-Range") == "" {
				return v
			}
		}
	}
	return max(fallback, 0)
}

func (m *Manager) cacheRemoteSize(raw string, h http.Header, fallback int64) int64 {
	total := totalLength(h, fallback)
	if total > 0 {
		m.sizes.Set(raw, total, cache.DefaultExpiration)
	}
	return total
}

func (m *Manager) cachedSize(raw string) (int64, bool) {
	if v, ok := m.sizes.Get(raw); ok {
		if n, ok := v.(int64); ok && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// knownSize returns the remote size from a previous response or the hash
// search API, or 0.
func (m *Manager) knownSize(ctx context.Context, raw string) int64 {
	if n, ok := m.cachedSize(raw); ok {
		return n
	}
	return m.lookupHashSize(ctx, raw)
}

// ContentID hashes HTTP validators into a URL-independent identity. Without
// validators it falls back to the URL and length.
func ContentID(etag, lastModified string, length int64, raw string) string {
	lengthStr := ""
	if length > 0 {
		lengthStr = strconv.FormatInt(length, 10)
	}
	var base string
	if etag != "" || lastModified != "" {
		base = etag + "|" + lastModified + "|" + lengthStr
	} else {
		base = raw + "|" + lengthStr
	}
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// recordRemoteContent stores the content identity of raw. Failures are
// logged and dropped.
func (m *Manager) recordRemoteContent(ctx context.Context, raw string, h http.Header, lengthOverride int64) {
	if m.opts.Store == nil {
		return
	}
	etag := h.Get("ETag")
	lastModified := h.Get("Last-Modified")
	length := totalLength(h, 0)
	if length <= 0 {
		length = lengthOverride
	}
	mime := h.Get("Content-Type")
	if mime == "" {
		mime = string(media.KindImage)
		if media.IsVideoPath(media.ExtFromURL(raw)) {
			mime = string(media.KindVideo)
		}
	}

	id := ContentID(etag, lastModified, length, raw)
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	// Without validators the id is only url|size; keep any mapping that a
	// validator-bearing response already established.
	if etag == "" && lastModified == "" {
		if existing, err := m.opts.Store.GetContentIDForURL(recordCtx, raw); err == nil && existing != "" {
			return
		}
	}

	err := m.opts.Store.CacheMediaContent(recordCtx, store.MediaContent{
		ContentID:     id,
		URL:           raw,
		ETag:          etag,
		LastModified:  lastModified,
		ContentLength: length,
		Mime:          mime,
	})
	if err == nil {
		err = m.opts.Store.MapMediaURL(recordCtx, raw, id)
	}
	if err != nil {
		logging.Debug("Failed to record content identity for %s: %v", raw, err)
	}
}
