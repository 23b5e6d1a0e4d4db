package rangeproxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/metrics"
)

const metaFile = "meta.json"

// meta is what the proxy knows about one origin URL.
type meta struct {
	URL         string    `json:"url"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalSize   int64     `json:"total_size"`
	ContentType string    `json:"content_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func cacheKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (p *Proxy) entryDir(key string) string {
	return filepath.Join(p.opts.Dir, key[:2], key)
}

func (p *Proxy) chunkPath(key string, index int64) string {
	return filepath.Join(p.entryDir(key), fmt.Sprintf("chunk_%d.bin", index))
}

// chunkLen is the size chunk index must have in a resource of total bytes.
func (p *Proxy) chunkLen(index, total int64) int64 {
	start := index * p.opts.ChunkSize
	return min(p.opts.ChunkSize, total-start)
}

func (p *Proxy) readMeta(key string) (meta, bool) {
	data, err := os.ReadFile(filepath.Join(p.entryDir(key), metaFile))
	if err != nil {
		return meta{}, false
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		logging.Debug("Ignoring corrupt proxy metadata for %s: %v", key, err)
		return meta{}, false
	}
	return m, true
}

// ensureMeta returns cached metadata for raw, probing the origin with a
// one-byte range request when none is cached. Concurrent probes for the
// same URL are collapsed.
func (p *Proxy) ensureMeta(ctx context.Context, raw string) (meta, error) {
	key := cacheKey(raw)
	if m, ok := p.readMeta(key); ok && m.ChunkSize == p.opts.ChunkSize && m.TotalSize > 0 {
		return m, nil
	}

	v, err, _ := p.probes.Do(key, func() (any, error) {
		if m, ok := p.readMeta(key); ok && m.ChunkSize == p.opts.ChunkSize && m.TotalSize > 0 {
			return m, nil
		}
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ProbeTimeout)
		defer cancel()
		m, err := p.probe(probeCtx, raw)
		if err != nil {
			return meta{}, err
		}
		if old, ok := p.readMeta(key); ok && old.ChunkSize != m.ChunkSize {
			// Chunks cut at a different size are useless now.
			_ = os.RemoveAll(p.entryDir(key))
		}
		p.writeMeta(key, m)
		return m, nil
	})
	if err != nil {
		return meta{}, err
	}
	return v.(meta), nil
}

func (p *Proxy) probe(ctx context.Context, raw string) (meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return meta{}, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := p.client.Do(req)
	if err != nil {
		return meta{}, fmt.Errorf("probe %s: %w", raw, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	m := meta{
		URL:         raw,
		ChunkSize:   p.opts.ChunkSize,
		ContentType: resp.Header.Get("Content-Type"),
		UpdatedAt:   time.Now().UTC(),
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		m.TotalSize = rangeTotal(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		m.TotalSize = resp.ContentLength
	default:
		return meta{}, &media.HTTPError{StatusCode: resp.StatusCode, URL: raw}
	}
	if m.TotalSize <= 0 {
		return meta{}, fmt.Errorf("probe %s: %w", raw, media.ErrSizeUnknown)
	}
	logging.Debug("Range proxy probed %s: %d bytes (%s)", raw, m.TotalSize, m.ContentType)
	return m, nil
}

func (p *Proxy) writeMeta(key string, m meta) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	path := filepath.Join(p.entryDir(key), metaFile)
	if _, err := filesystem.WriteFileAtomic(path, bytes.NewReader(data)); err != nil {
		logging.Warn("Failed to write proxy metadata %s: %v", path, err)
	}
}

// rangeTotal extracts the complete length from "bytes a-b/total".
func rangeTotal(header string) int64 {
	_, total, ok := strings.Cut(header, "/")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// chunk returns chunk index of raw, from disk when a complete copy exists
// and from the origin otherwise. Fetches of the same chunk are serialized.
func (p *Proxy) chunk(ctx context.Context, raw, key string, index, total int64) ([]byte, error) {
	path := p.chunkPath(key, index)
	want := p.chunkLen(index, total)
	if data, ok := readChunk(path, want); ok {
		metrics.ProxyChunkLookups.WithLabelValues("hit").Inc()
		return data, nil
	}

	l := p.locks.Get(path)
	l.Lock()
	defer l.Unlock()

	if data, ok := readChunk(path, want); ok {
		metrics.ProxyChunkLookups.WithLabelValues("hit").Inc()
		return data, nil
	}

	data, err := p.fetchChunk(ctx, raw, index*p.opts.ChunkSize, want)
	if err != nil {
		metrics.ProxyChunkLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ProxyChunkLookups.WithLabelValues("miss").Inc()
	if _, err := filesystem.WriteFileAtomic(path, bytes.NewReader(data)); err != nil {
		logging.Debug("Failed to cache proxy chunk %s: %v", path, err)
	}
	return data, nil
}

func readChunk(path string, want int64) ([]byte, bool) {
	f, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		return nil, false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, want+1))
	if err != nil || int64(len(data)) != want {
		return nil, false
	}
	return data, true
}

// fetchChunk reads length bytes at offset from the origin. An origin that
// ignores the Range header is read up to the requested span.
func (p *Proxy) fetchChunk(ctx context.Context, raw string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk at %d: %w", offset, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, fmt.Errorf("skip to %d: %w", offset, err)
		}
	default:
		return nil, &media.HTTPError{StatusCode: resp.StatusCode, URL: raw}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, fmt.Errorf("read chunk at %d: %w", offset, err)
	}
	return data, nil
}

type cacheEntry struct {
	dir     string
	modTime time.Time
	size    int64
}

// Cleanup removes cache entries whose metadata is older than maxAge, then
// the oldest remaining entries until the cache fits in maxBytes. A
// non-positive limit is not enforced.
func (p *Proxy) Cleanup(maxAge time.Duration, maxBytes int64) (removed int, freed int64, err error) {
	shards, err := os.ReadDir(p.opts.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to scan proxy cache: %w", err)
	}

	var entries []cacheEntry
	var total int64
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dirs, err := os.ReadDir(filepath.Join(p.opts.Dir, shard.Name()))
		if err != nil {
			continue
		}
		for _, d := range dirs {
			dir := filepath.Join(p.opts.Dir, shard.Name(), d.Name())
			info, err := os.Stat(filepath.Join(dir, metaFile))
			if err != nil {
				continue
			}
			size := dirSize(dir)
			entries = append(entries, cacheEntry{dir: dir, modTime: info.ModTime(), size: size})
			total += size
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime.Before(entries[j].modTime) })

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		expired := maxAge > 0 && e.modTime.Before(cutoff)
		oversize := maxBytes > 0 && total > maxBytes
		if !expired && !oversize {
			continue
		}
		if err := os.RemoveAll(e.dir); err != nil {
			logging.Warn("Failed to remove proxy cache entry %s: %v", e.dir, err)
			continue
		}
		removed++
		freed += e.size
		total -= e.size
	}
	if removed > 0 {
		logging.Info("Range proxy cache cleanup: removed %d entries, freed %.2f MB", removed, float64(freed)/(1024*1024))
	}
	return removed, freed, nil
}

func dirSize(dir string) int64 {
	var size int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}
