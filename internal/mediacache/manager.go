// Package mediacache resolves media references to local files and produces
// thumbnails for them.
//
// Remote files are cached under {CacheDir}/raw, keyed by the SHA-256 of their
// URL. Remote videos are handled by a chain of strategies that avoids full
// downloads where possible: direct frame extraction over HTTP range requests,
// a partial download of the head of the file, a synthetic file built from the
// head plus the trailing moov box, and finally a size-limited full download.
package mediacache

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/store"
)

// Store is the persistence collaborator. It is optional; a nil Store
// disables content-identity bookkeeping and the oversized registry.
type Store interface {
	IsFileOversized(ctx context.Context, url string) (*store.OversizedEntry, error)
	FlagFileAsOversized(ctx context.Context, url string, size, limit int64) error
	RemoveOversizedFlag(ctx context.Context, url string) error
	GetContentIDForURL(ctx context.Context, url string) (string, error)
	CacheMediaContent(ctx context.Context, c store.MediaContent) error
	MapMediaURL(ctx context.Context, url, contentID string) error
	CacheThumbnailForContent(ctx context.Context, contentID string, width, height int, path string) error
	GetCachedThumbnail(ctx context.Context, contentID string, width, height int) (*store.ThumbnailEntry, error)
	GetThumbnailVariants(ctx context.Context, contentID string) ([]store.ThumbnailEntry, error)
	TouchThumbnailEntry(ctx context.Context, contentID string, width, height int) error
}

// Processor decodes local files and URLs into thumbnails.
type Processor interface {
	GenerateThumbnail(ctx context.Context, path string, size media.Size, timestamp float64) (image.Image, error)
	GenerateVideoThumbnail(ctx context.Context, path string, size media.Size, timestamp float64) (image.Image, error)
	GenerateVideoThumbnailFromURL(ctx context.Context, rawURL string, size media.Size, timestamp float64) (image.Image, error)
	GenerateHLSThumbnail(ctx context.Context, playlistURL string, size media.Size, timestamp float64) (image.Image, error)
}

// Proxy rewrites a remote URL to go through a local caching range proxy.
type Proxy interface {
	ProxyURL(raw string) string
}

// VideoConfig holds the limits that can change while the manager runs.
// A non-positive byte limit disables that limit.
type VideoConfig struct {
	MaxBytes             int64
	MaxNonFaststartBytes int64
	Retries              int
	RetryDelay           time.Duration
}

// limitFor returns the byte ceiling for a file of the given layout, or 0 when
// no limit applies. Non-faststart files get the tighter of both limits.
func (c VideoConfig) limitFor(faststart bool) int64 {
	if !faststart && c.MaxNonFaststartBytes > 0 {
		if c.MaxBytes > 0 {
			return min(c.MaxBytes, c.MaxNonFaststartBytes)
		}
		return c.MaxNonFaststartBytes
	}
	return max(c.MaxBytes, 0)
}

func (c VideoConfig) limitsSet() bool {
	return c.MaxBytes > 0 || c.MaxNonFaststartBytes > 0
}

// Options configures a Manager.
type Options struct {
	CacheDir  string
	Store     Store
	Processor Processor
	// Proxy, when set, is used for direct frame extraction from URLs.
	Proxy      Proxy
	HTTPClient *http.Client
	// MaxConnsPerHost bounds origin connections of the default client.
	// Zero means no limit. Ignored when HTTPClient is set.
	MaxConnsPerHost int
	// Locks is shared between managers that use the same CacheDir.
	Locks *LockTable

	AllowFullVideoDownload bool
	Video                  VideoConfig

	PartialMaxBytes  int64
	MoovTailMaxBytes int64

	ProbeTimeout    time.Duration
	DownloadTimeout time.Duration
	TailTimeout     time.Duration

	// HashSearchBase is the API root used to look up file sizes for URLs
	// whose file name is a content hash. Empty disables the lookup.
	HashSearchBase string
}

// DefaultOptions returns options with the stock byte budgets and timeouts.
func DefaultOptions() Options {
	return Options{
		AllowFullVideoDownload: true,
		PartialMaxBytes:        4 << 20,
		MoovTailMaxBytes:       2 << 20,
		ProbeTimeout:           10 * time.Second,
		DownloadTimeout:        120 * time.Second,
		TailTimeout:            20 * time.Second,
	}
}

// Manager owns the raw download cache and the remote video strategies.
type Manager struct {
	opts   Options
	rawDir string
	client *http.Client
	locks  *LockTable

	mu    sync.RWMutex
	video VideoConfig

	sizes     *cache.Cache // url -> int64 total length
	hashSizes *cache.Cache // content hash -> int64 size
	lookups   singleflight.Group
}

// New creates the raw cache directory and returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Processor == nil {
		return nil, fmt.Errorf("mediacache: a Processor is required")
	}
	defaults := DefaultOptions()
	if opts.PartialMaxBytes <= 0 {
		opts.PartialMaxBytes = defaults.PartialMaxBytes
	}
	if opts.MoovTailMaxBytes <= 0 {
		opts.MoovTailMaxBytes = defaults.MoovTailMaxBytes
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaults.ProbeTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = defaults.DownloadTimeout
	}
	if opts.TailTimeout <= 0 {
		opts.TailTimeout = defaults.TailTimeout
	}

	rawDir, err := filepath.Abs(filepath.Join(opts.CacheDir, "raw"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raw cache directory: %w", err)
	}
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw cache directory: %w", err)
	}

	m := &Manager{
		opts:      opts,
		rawDir:    rawDir,
		client:    opts.HTTPClient,
		locks:     opts.Locks,
		sizes:     cache.New(6*time.Hour, 30*time.Minute),
		hashSizes: cache.New(24*time.Hour, time.Hour),
	}
	if m.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxConnsPerHost = max(opts.MaxConnsPerHost, 0)
		transport.MaxIdleConnsPerHost = max(opts.MaxConnsPerHost, 2)
		m.client = &http.Client{Transport: transport}
	}
	if m.locks == nil {
		m.locks = NewLockTable()
	}
	m.ApplyVideoConfig(opts.Video)
	return m, nil
}

// RawDir returns the absolute raw download cache directory.
func (m *Manager) RawDir() string {
	return m.rawDir
}

// ApplyVideoConfig replaces the video limits and retry policy.
func (m *Manager) ApplyVideoConfig(c VideoConfig) {
	c.MaxBytes = max(c.MaxBytes, 0)
	c.MaxNonFaststartBytes = max(c.MaxNonFaststartBytes, 0)
	c.Retries = max(c.Retries, 0)
	c.RetryDelay = max(c.RetryDelay, 0)

	m.mu.Lock()
	m.video = c
	m.mu.Unlock()
	logging.Debug("Video thumbnail limits: total=%d non-faststart=%d retries=%d delay=%v",
		c.MaxBytes, c.MaxNonFaststartBytes, c.Retries, c.RetryDelay)
}

// VideoConfig returns the current video limits.
func (m *Manager) VideoConfig() VideoConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.video
}

// GetLocalPath resolves ref to a file on disk, downloading remote media into
// the raw cache when it is not already there.
func (m *Manager) GetLocalPath(ctx context.Context, ref media.Ref) (string, error) {
	switch r := ref.(type) {
	case media.Remote:
		if r.LocalPath != "" {
			return r.LocalPath, nil
		}
		if r.URL != "" {
			return m.downloadMedia(ctx, r.URL)
		}
		return "", fmt.Errorf("%w: media %q has no url or local path", media.ErrNotFound, r.ID)
	case media.Path:
		return string(r), nil
	case media.RawURL:
		s := string(r)
		if strings.HasPrefix(s, "file://") {
			return strings.TrimPrefix(s, "file://"), nil
		}
		if _, err := os.Stat(s); err == nil {
			return s, nil
		}
		return m.downloadMedia(ctx, s)
	default:
		return "", fmt.Errorf("%w: unsupported media reference %T", media.ErrUnsupportedScheme, ref)
	}
}

// LoadThumbnail returns a thumbnail for ref, preferring a persisted variant
// of the same content, then the remote video strategies, then a local
// decode.
func (m *Manager) LoadThumbnail(ctx context.Context, ref media.Ref, size media.Size, timestamp float64) (image.Image, error) {
	if img := m.loadCachedThumbnail(ctx, ref, size); img != nil {
		return img, nil
	}

	if media.IsVideoRef(ref) {
		if u, ok := media.RemoteURL(ref); ok {
			return m.loadRemoteVideoThumbnail(ctx, u, size, timestamp)
		}
	}

	path, err := m.GetLocalPath(ctx, ref)
	if err != nil {
		return nil, err
	}
	if media.IsVideoRef(ref) {
		return m.opts.Processor.GenerateVideoThumbnail(ctx, path, size, timestamp)
	}
	return m.opts.Processor.GenerateThumbnail(ctx, path, size, timestamp)
}

// RecordThumbnailForURL associates a finished thumbnail file with the content
// identity of url. It is a no-op when the URL has no known identity.
func (m *Manager) RecordThumbnailForURL(ctx context.Context, url string, size media.Size, path string) error {
	if m.opts.Store == nil || url == "" || !size.Valid() {
		return nil
	}
	id, err := m.opts.Store.GetContentIDForURL(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to look up content id: %w", err)
	}
	if id == "" {
		return nil
	}
	return m.opts.Store.CacheThumbnailForContent(ctx, id, size.Width, size.Height, path)
}

func (m *Manager) maybeProxy(url string) string {
	if m.opts.Proxy == nil {
		return url
	}
	return m.opts.Proxy.ProxyURL(url)
}

func (m *Manager) lock(key string) *sync.Mutex {
	return m.locks.Get(m.rawDir + "|" + key)
}
