package thumbnails

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/workers"
)

// defaultTimestamp is the frame hint, in seconds, passed for videos.
const defaultTimestamp = 1.0

// Loader produces a thumbnail when no disk copy exists.
type Loader interface {
	LoadThumbnail(ctx context.Context, ref media.Ref, size media.Size, timestamp float64) (image.Image, error)
}

// Recorder associates a finished thumbnail file with the content behind a
// URL.
type Recorder interface {
	RecordThumbnailForURL(ctx context.Context, url string, size media.Size, path string) error
}

// Config configures a Manager.
type Config struct {
	// CacheDir holds the finished PNG thumbnails.
	CacheDir string

	ImageWorkers int
	VideoWorkers int
	// VideoQueueLimit caps outstanding video tasks; further video requests
	// wait in a FIFO queue. Zero means no cap.
	VideoQueueLimit int

	MemoryCacheLimit int

	// RequestTimeout applies to image tasks and, unless VideoTimeout is
	// set, to video tasks. Zero disables timeouts.
	RequestTimeout time.Duration
	VideoTimeout   time.Duration
	// ImageTimeoutMaxResets bounds how often a busy image task's timeout
	// is extended.
	ImageTimeoutMaxResets int

	// Gate is called by workers before each task and may block.
	Gate func()
}

// DefaultConfig returns the stock scheduler settings.
func DefaultConfig() Config {
	return Config{
		ImageWorkers:          4,
		VideoWorkers:          1,
		MemoryCacheLimit:      256,
		RequestTimeout:        30 * time.Second,
		ImageTimeoutMaxResets: 2,
	}
}

// flight is the single generation task behind a cache key and every handle
// waiting on it.
type flight struct {
	key       string
	req       Request
	video     bool
	listeners []*Handle
	task      *workers.Task
	timer     *time.Timer
	resets    int
	slotHeld  bool
	queued    bool
	done      bool
	// orphaned marks a running flight whose listeners all cancelled. It
	// stays registered until its task returns so the key never has two
	// generations at once.
	orphaned bool
}

// Manager schedules thumbnail generation. All bookkeeping (memory cache,
// in-flight registry, video slots and queue) is guarded by mu.
type Manager struct {
	cfg      Config
	loader   Loader
	recorder Recorder

	imagePool *workers.Pool
	videoPool *workers.Pool

	mu                sync.Mutex
	closed            bool
	memory            *memCache
	inflight          map[string]*flight
	pending           []*flight
	videoOutstanding  int
	lastImageActivity time.Time
}

// New creates the cache directory and starts both worker pools. recorder
// may be nil.
func New(cfg Config, loader Loader, recorder Recorder) (*Manager, error) {
	if loader == nil {
		return nil, fmt.Errorf("thumbnails: a Loader is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("thumbnails: CacheDir is required")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail cache directory: %w", err)
	}

	defaults := DefaultConfig()
	if cfg.ImageWorkers <= 0 {
		cfg.ImageWorkers = defaults.ImageWorkers
	}
	if cfg.VideoWorkers <= 0 {
		cfg.VideoWorkers = defaults.VideoWorkers
	}
	if cfg.MemoryCacheLimit <= 0 {
		cfg.MemoryCacheLimit = defaults.MemoryCacheLimit
	}
	cfg.VideoQueueLimit = max(cfg.VideoQueueLimit, 0)
	cfg.RequestTimeout = max(cfg.RequestTimeout, 0)
	cfg.VideoTimeout = max(cfg.VideoTimeout, 0)
	cfg.ImageTimeoutMaxResets = max(cfg.ImageTimeoutMaxResets, 0)

	m := &Manager{
		cfg:       cfg,
		loader:    loader,
		recorder:  recorder,
		imagePool: workers.NewPool("thumbnail-image", cfg.ImageWorkers, cfg.Gate),
		videoPool: workers.NewPool("thumbnail-video", cfg.VideoWorkers, cfg.Gate),
		memory:    newMemCache(cfg.MemoryCacheLimit),
		inflight:  make(map[string]*flight),
	}
	logging.Info("Thumbnail manager ready: image workers=%d, video workers=%d, video queue limit=%d, memory cache=%d",
		cfg.ImageWorkers, cfg.VideoWorkers, cfg.VideoQueueLimit, cfg.MemoryCacheLimit)
	return m, nil
}

// Request returns immediately with a handle for req. A memory cache hit is
// still delivered asynchronously. A request for a key already being
// generated shares that generation.
func (m *Manager) Request(req Request) *Handle {
	key := req.Key()
	kind := req.kind()
	h := newHandle(m, key)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.fail(media.ErrShutdown)
		return h
	}

	if img, ok := m.memory.get(key); ok {
		m.mu.Unlock()
		metrics.ThumbnailRequestsTotal.WithLabelValues(kind, "memory_hit").Inc()
		metrics.ThumbnailCacheHits.WithLabelValues("memory").Inc()
		res := Result{Image: img, FromCache: true, Path: m.diskPath(key)}
		go h.deliver(res)
		return h
	}

	if f, ok := m.inflight[key]; ok {
		f.listeners = append(f.listeners, h)
		m.mu.Unlock()
		metrics.ThumbnailRequestsTotal.WithLabelValues(kind, "attached").Inc()
		return h
	}
	metrics.ThumbnailCacheMisses.WithLabelValues("memory").Inc()

	f := &flight{key: key, req: req, video: req.IsVideo(), listeners: []*Handle{h}}
	m.inflight[key] = f

	if f.video && m.cfg.VideoQueueLimit > 0 && m.videoOutstanding >= m.cfg.VideoQueueLimit {
		f.queued = true
		m.pending = append(m.pending, f)
		m.mu.Unlock()
		metrics.ThumbnailRequestsTotal.WithLabelValues(kind, "queued").Inc()
		logging.Debug("Queued video thumbnail key=%s (%d waiting)", key, len(m.pending))
		return h
	}
	if f.video {
		m.videoOutstanding++
		f.slotHeld = true
	}
	m.schedule(f)
	m.mu.Unlock()

	metrics.ThumbnailRequestsTotal.WithLabelValues(kind, "scheduled").Inc()
	logging.Debug("Scheduling thumbnail generation for key=%s", key)
	return h
}

// GetStats reports scheduler occupancy.
func (m *Manager) GetStats() metrics.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metrics.Stats{
		MemoryCacheEntries: m.memory.len(),
		InFlight:           len(m.inflight),
		VideoOutstanding:   m.videoOutstanding,
		VideoQueued:        len(m.pending),
	}
}

// Shutdown stops accepting requests and fails every request whose task has
// not started with media.ErrShutdown. Running tasks are not waited for and
// still deliver their results.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	var abandoned []*Handle
	for key, f := range m.inflight {
		if !f.queued && (f.task == nil || !f.task.CancelIfPending()) {
			continue
		}
		f.done = true
		f.slotHeld = false
		if f.timer != nil {
			f.timer.Stop()
		}
		delete(m.inflight, key)
		abandoned = append(abandoned, f.listeners...)
		f.listeners = nil
	}
	m.pending = nil
	m.mu.Unlock()

	m.imagePool.Shutdown()
	m.videoPool.Shutdown()

	for _, h := range abandoned {
		h.fail(media.ErrShutdown)
	}
	logging.Info("Thumbnail manager shut down, abandoned %d pending requests", len(abandoned))
}

// schedule submits f to its pool and arms its timeout. m.mu must be held.
func (m *Manager) schedule(f *flight) {
	task := workers.NewTask(func(ctx context.Context) { m.run(ctx, f) })
	f.task = task

	pool := m.imagePool
	if f.video {
		pool = m.videoPool
	}
	if err := pool.Submit(task); err != nil {
		listeners := m.abortLocked(f)
		go failAll(listeners, fmt.Errorf("%w: %v", media.ErrShutdown, err))
		return
	}

	if timeout := m.timeoutFor(f.video); timeout > 0 {
		f.timer = time.AfterFunc(timeout, func() { m.onTimeout(f) })
	}
}

func (m *Manager) run(ctx context.Context, f *flight) {
	start := time.Now()
	res, err := m.generate(ctx, f.req, f.key)
	metrics.ThumbnailGenerationDuration.WithLabelValues(f.req.kind()).Observe(time.Since(start).Seconds())
	m.complete(f, res, err)
}

// complete records the outcome of a finished task and delivers it. A flight
// that already timed out or lost all its listeners only gives back its
// video slot.
func (m *Manager) complete(f *flight, res Result, err error) {
	m.mu.Lock()
	if f.done {
		m.releaseSlotLocked(f)
		m.mu.Unlock()
		return
	}
	if f.orphaned {
		f.orphaned = false
		switch {
		case len(f.listeners) == 0:
			m.finishLocked(f)
			m.mu.Unlock()
			logging.Debug("Discarded result of cancelled thumbnail key=%s", f.key)
			return
		case err != nil && !m.closed:
			// Requests attached after the cancel get a fresh run; the
			// video slot stays with the flight.
			if f.timer != nil {
				f.timer.Stop()
			}
			f.resets = 0
			m.schedule(f)
			m.mu.Unlock()
			logging.Debug("Rerunning cancelled thumbnail key=%s for %d new requests", f.key, len(f.listeners))
			return
		}
	}
	m.finishLocked(f)
	if err == nil {
		m.memory.put(f.key, res.Image)
		if !f.video {
			m.lastImageActivity = time.Now()
		}
	}
	listeners := f.listeners
	f.listeners = nil
	m.mu.Unlock()

	kind := f.req.kind()
	if err != nil {
		metrics.ThumbnailResultsTotal.WithLabelValues(kind, "error").Inc()
		logging.Warn("Thumbnail generation failed for key=%s: %v", f.key, err)
		failAll(listeners, err)
		return
	}
	metrics.ThumbnailResultsTotal.WithLabelValues(kind, "success").Inc()
	for _, h := range listeners {
		h.deliver(res)
	}
}

// detach removes a cancelled handle from its flight. When nobody is left
// waiting, a queued flight is dropped, an unstarted task is cancelled and
// its slot returned, and a running task is orphaned: it keeps the key
// until it returns.
func (m *Manager) detach(h *Handle) {
	m.mu.Lock()
	f, ok := m.inflight[h.key]
	if !ok || f.done {
		m.mu.Unlock()
		return
	}
	f.listeners = slices.DeleteFunc(f.listeners, func(l *Handle) bool { return l == h })
	if len(f.listeners) > 0 {
		m.mu.Unlock()
		return
	}

	switch {
	case f.queued:
		f.done = true
		m.stopAndRemoveLocked(f)
		m.pending = slices.DeleteFunc(m.pending, func(p *flight) bool { return p == f })
	case f.task.Cancel():
		m.finishLocked(f)
	default:
		// Running: the task sees its context cancelled and the flight is
		// dropped when it returns. New requests for the key attach to it.
		f.orphaned = true
	}
	m.mu.Unlock()

	metrics.ThumbnailResultsTotal.WithLabelValues(f.req.kind(), "cancelled").Inc()
	logging.Debug("Cancelled thumbnail request key=%s", f.key)
}

// onTimeout fails f unless it already finished. Image tasks get extended
// while other image tasks are completing.
func (m *Manager) onTimeout(f *flight) {
	m.mu.Lock()
	if f.done || m.inflight[f.key] != f {
		m.mu.Unlock()
		return
	}
	if !f.video && extendable(f.resets, m.cfg.ImageTimeoutMaxResets, m.lastImageActivity, time.Now(), m.cfg.RequestTimeout) {
		f.resets++
		f.timer = time.AfterFunc(m.cfg.RequestTimeout, func() { m.onTimeout(f) })
		m.mu.Unlock()
		metrics.ThumbnailTimeoutExtensions.Inc()
		logging.Debug("Extended image thumbnail timeout for key=%s (%d/%d)", f.key, f.resets, m.cfg.ImageTimeoutMaxResets)
		return
	}

	f.done = true
	m.removeLocked(f)
	f.task.Cancel()
	m.releaseSlotLocked(f)
	listeners := f.listeners
	f.listeners = nil
	m.mu.Unlock()

	metrics.ThumbnailResultsTotal.WithLabelValues(f.req.kind(), "timeout").Inc()
	logging.Warn("Thumbnail request timed out for key=%s", f.key)
	failAll(listeners, fmt.Errorf("%w: %s", media.ErrTimedOut, f.key))
}

// releaseSlotLocked returns f's video slot, if it holds one, and admits
// queued video requests in FIFO order.
func (m *Manager) releaseSlotLocked(f *flight) {
	if !f.slotHeld {
		return
	}
	f.slotHeld = false
	m.videoOutstanding = max(m.videoOutstanding-1, 0)

	for len(m.pending) > 0 && !m.closed {
		if m.cfg.VideoQueueLimit > 0 && m.videoOutstanding >= m.cfg.VideoQueueLimit {
			return
		}
		next := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		if next.done {
			continue
		}
		next.queued = false
		next.slotHeld = true
		m.videoOutstanding++
		logging.Debug("Admitting queued video thumbnail key=%s", next.key)
		m.schedule(next)
	}
}

// abortLocked drops f without running it and returns its listeners.
func (m *Manager) abortLocked(f *flight) []*Handle {
	f.done = true
	m.removeLocked(f)
	if f.slotHeld {
		f.slotHeld = false
		m.videoOutstanding = max(m.videoOutstanding-1, 0)
	}
	listeners := f.listeners
	f.listeners = nil
	return listeners
}

// finishLocked marks f done, unregisters it and returns its video slot.
func (m *Manager) finishLocked(f *flight) {
	f.done = true
	m.stopAndRemoveLocked(f)
	m.releaseSlotLocked(f)
}

func (m *Manager) stopAndRemoveLocked(f *flight) {
	if f.timer != nil {
		f.timer.Stop()
	}
	m.removeLocked(f)
}

func (m *Manager) removeLocked(f *flight) {
	if m.inflight[f.key] == f {
		delete(m.inflight, f.key)
	}
}

func (m *Manager) timeoutFor(video bool) time.Duration {
	if video && m.cfg.VideoTimeout > 0 {
		return m.cfg.VideoTimeout
	}
	return m.cfg.RequestTimeout
}

func (m *Manager) diskPath(key string) string {
	return filepath.Join(m.cfg.CacheDir, fileName(key))
}

// generate runs on a worker. It serves the disk copy when one decodes,
// otherwise loads a fresh thumbnail and persists it as PNG.
func (m *Manager) generate(ctx context.Context, req Request, key string) (Result, error) {
	path := m.diskPath(key)
	if filesystem.Exists(path) {
		img, err := imaging.Open(path)
		if err == nil {
			metrics.ThumbnailCacheHits.WithLabelValues("disk").Inc()
			return Result{Image: img, Path: path}, nil
		}
		logging.Debug("Ignoring unreadable cached thumbnail %s: %v", path, err)
	}
	metrics.ThumbnailCacheMisses.WithLabelValues("disk").Inc()

	img, err := m.loader.LoadThumbnail(ctx, req.Ref, req.Size, defaultTimestamp)
	if err != nil {
		return Result{}, fmt.Errorf("%w for %s: %w", media.ErrGenerationFailed, key, err)
	}
	if img == nil || img.Bounds().Empty() {
		return Result{}, fmt.Errorf("%w for %s: empty image", media.ErrGenerationFailed, key)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Result{}, fmt.Errorf("%w for %s: encode: %w", media.ErrGenerationFailed, key, err)
	}
	if _, err := filesystem.WriteFileAtomic(path, &buf); err != nil {
		return Result{}, fmt.Errorf("failed to write thumbnail %s: %w", path, err)
	}

	if url, ok := media.RemoteURL(req.Ref); ok && m.recorder != nil {
		if err := m.recorder.RecordThumbnailForURL(ctx, url, req.Size, path); err != nil {
			logging.Debug("Failed to record thumbnail for %s: %v", url, err)
		}
	}
	return Result{Image: img, Path: path}, nil
}

func failAll(handles []*Handle, err error) {
	for _, h := range handles {
		h.fail(err)
	}
}
