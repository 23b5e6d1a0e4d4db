package thumbnails

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"media-thumbnailer/internal/media"
)

type fakeLoader struct {
	mu      sync.Mutex
	calls   []string
	gates   map[string]chan struct{}
	errs    map[string]error
	started chan string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		gates:   make(map[string]chan struct{}),
		errs:    make(map[string]error),
		started: make(chan string, 64),
	}
}

// block makes loads of id wait until the returned func is called.
func (l *fakeLoader) block(id string) func() {
	ch := make(chan struct{})
	l.mu.Lock()
	l.gates[id] = ch
	l.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (l *fakeLoader) LoadThumbnail(ctx context.Context, ref media.Ref, size media.Size, _ float64) (image.Image, error) {
	id := media.RefID(ref)
	l.mu.Lock()
	l.calls = append(l.calls, id)
	gate := l.gates[id]
	err := l.errs[id]
	l.mu.Unlock()
	l.started <- id

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return imaging.New(size.Width, size.Height, color.NRGBA{G: 255, A: 255}), nil
}

func (l *fakeLoader) callsFor(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == id {
			n++
		}
	}
	return n
}

func (l *fakeLoader) callOrder() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// stubbornLoader blocks every load until release is closed, whatever its
// context says, and tracks how many loads overlap.
type stubbornLoader struct {
	release chan struct{}
	started chan struct{}
	failFirst int

	mu     sync.Mutex
	calls  int
	active int
	peak   int
}

func newStubbornLoader() *stubbornLoader {
	return &stubbornLoader{release: make(chan struct{}), started: make(chan struct{}, 8)}
}

func (l *stubbornLoader) LoadThumbnail(_ context.Context, _ media.Ref, size media.Size, _ float64) (image.Image, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.active++
	l.peak = max(l.peak, l.active)
	l.mu.Unlock()
	l.started <- struct{}{}

	<-l.release

	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	if call <= l.failFirst {
		return nil, errors.New("origin reset")
	}
	return imaging.New(size.Width, size.Height, color.NRGBA{B: 255, A: 255}), nil
}

func (l *stubbornLoader) counts() (calls, peak int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.peak
}

func (l *stubbornLoader) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-l.started:
	case <-time.After(5 * time.Second):
		t.Fatal("load never started")
	}
}

type fakeRecorder struct {
	mu    sync.Mutex
	paths map[string]string
}

func (r *fakeRecorder) RecordThumbnailForURL(_ context.Context, url string, _ media.Size, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths == nil {
		r.paths = make(map[string]string)
	}
	r.paths[url] = path
	return nil
}

func newTestManager(t *testing.T, loader Loader, configure func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	if configure != nil {
		configure(&cfg)
	}
	m, err := New(cfg, loader, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func imageReq(id string) Request {
	return Request{
		Ref:  media.Remote{ID: id, URL: "http://origin.invalid/" + id + ".jpg", Kind: media.KindImage},
		Size: media.Size{Width: 64, Height: 64},
	}
}

func videoReq(id string) Request {
	return Request{
		Ref:  media.Remote{ID: id, URL: "http://origin.invalid/" + id + ".mp4", Kind: media.KindVideo},
		Size: media.Size{Width: 64, Height: 64},
	}
}

func wait(t *testing.T, h *Handle) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("handle %s did not complete", h.Key())
	}
	return res, err
}

func waitStarted(t *testing.T, l *fakeLoader, id string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-l.started:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("load of %s never started", id)
		}
	}
}

func TestRequestKey(t *testing.T) {
	req := Request{Ref: media.Remote{ID: "abc"}, Size: media.Size{Width: 256, Height: 128}}
	if got := req.Key(); got != "abc_256x128" {
		t.Errorf("Key = %q", got)
	}
	if got := fileName("a/../b_1x1"); got != "a___b_1x1.png" {
		t.Errorf("fileName = %q", got)
	}
}

func TestRequestDeduplicatesInFlight(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("img")
	m := newTestManager(t, loader, nil)

	handles := make([]*Handle, 10)
	for i := range handles {
		handles[i] = m.Request(imageReq("img"))
	}
	if stats := m.GetStats(); stats.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", stats.InFlight)
	}
	release()

	var first image.Image
	for i, h := range handles {
		res, err := wait(t, h)
		if err != nil {
			t.Fatalf("handle %d failed: %v", i, err)
		}
		if res.FromCache {
			t.Errorf("handle %d reported a cache hit", i)
		}
		if first == nil {
			first = res.Image
		} else if res.Image != first {
			t.Errorf("handle %d got a different image", i)
		}
		if h.State() != StateDelivered {
			t.Errorf("handle %d state = %v", i, h.State())
		}
	}
	if n := loader.callsFor("img"); n != 1 {
		t.Errorf("loader ran %d times, want 1", n)
	}
}

func TestMemoryCacheHitAfterCompletion(t *testing.T) {
	loader := newFakeLoader()
	m := newTestManager(t, loader, nil)

	res, err := wait(t, m.Request(imageReq("a")))
	if err != nil || res.FromCache {
		t.Fatalf("first request: %+v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(m.cfg.CacheDir, "a_64x64.png")); err != nil {
		t.Errorf("disk thumbnail missing: %v", err)
	}

	h := m.Request(imageReq("a"))
	res2, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.FromCache {
		t.Error("second request should be a memory hit")
	}
	if res2.Image != res.Image {
		t.Error("memory hit returned a different image")
	}
	if n := loader.callsFor("a"); n != 1 {
		t.Errorf("loader ran %d times, want 1", n)
	}
	if stats := m.GetStats(); stats.MemoryCacheEntries != 1 || stats.InFlight != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDiskCacheServesNewManager(t *testing.T) {
	dir := t.TempDir()
	first := newFakeLoader()
	m1 := newTestManager(t, first, func(c *Config) { c.CacheDir = dir })
	if _, err := wait(t, m1.Request(imageReq("d"))); err != nil {
		t.Fatal(err)
	}

	second := newFakeLoader()
	m2 := newTestManager(t, second, func(c *Config) { c.CacheDir = dir })
	res, err := wait(t, m2.Request(imageReq("d")))
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Error("disk hits are not memory hits")
	}
	if b := res.Image.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("disk image = %v", b)
	}
	if n := second.callsFor("d"); n != 0 {
		t.Errorf("loader ran %d times despite a disk copy", n)
	}
}

func TestGenerationFailure(t *testing.T) {
	loader := newFakeLoader()
	loader.errs["bad"] = media.ErrDecode
	m := newTestManager(t, loader, nil)

	h := m.Request(imageReq("bad"))
	_, err := wait(t, h)
	if !errors.Is(err, media.ErrGenerationFailed) || !errors.Is(err, media.ErrDecode) {
		t.Fatalf("err = %v", err)
	}
	if h.State() != StateFailed {
		t.Errorf("state = %v", h.State())
	}

	if _, err := wait(t, m.Request(imageReq("bad"))); err == nil {
		t.Error("failures must not be cached")
	}
	if n := loader.callsFor("bad"); n != 2 {
		t.Errorf("loader ran %d times, want 2", n)
	}
	if stats := m.GetStats(); stats.MemoryCacheEntries != 0 {
		t.Errorf("failed result cached: %+v", stats)
	}
}

func TestOnCompleteFiresOnce(t *testing.T) {
	loader := newFakeLoader()
	m := newTestManager(t, loader, nil)

	var mu sync.Mutex
	var fired int
	h := m.Request(imageReq("cb"))
	h.OnComplete(func(_ Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.Errorf("callback error: %v", err)
		}
		fired++
	})
	if _, err := wait(t, h); err != nil {
		t.Fatal(err)
	}

	late := make(chan struct{})
	h.OnComplete(func(Result, error) { close(late) })
	select {
	case <-late:
	default:
		t.Error("callback registered after completion should run immediately")
	}

	h.Cancel()
	if h.State() != StateDelivered {
		t.Errorf("cancel after delivery changed state to %v", h.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("callback fired %d times", fired)
	}
}

func TestVideoQueueLimit(t *testing.T) {
	loader := newFakeLoader()
	release1 := loader.block("v1")
	release2 := loader.block("v2")
	m := newTestManager(t, loader, func(c *Config) {
		c.VideoWorkers = 2
		c.VideoQueueLimit = 1
	})

	h1 := m.Request(videoReq("v1"))
	h2 := m.Request(videoReq("v2"))
	h3 := m.Request(videoReq("v3"))
	waitStarted(t, loader, "v1")

	stats := m.GetStats()
	if stats.VideoOutstanding != 1 || stats.VideoQueued != 2 || stats.InFlight != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	release1()
	if _, err := wait(t, h1); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, loader, "v2")
	if loader.callsFor("v3") != 0 {
		t.Error("v3 ran before v2 finished")
	}

	release2()
	for _, h := range []*Handle{h2, h3} {
		if _, err := wait(t, h); err != nil {
			t.Fatal(err)
		}
	}
	if got := loader.callOrder(); !slices.Equal(got, []string{"v1", "v2", "v3"}) {
		t.Errorf("admission order = %v", got)
	}
	if stats := m.GetStats(); stats.VideoOutstanding != 0 || stats.VideoQueued != 0 {
		t.Errorf("slots leaked: %+v", stats)
	}
}

func TestImagesBypassVideoQueue(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("v1")
	defer release()
	m := newTestManager(t, loader, func(c *Config) { c.VideoQueueLimit = 1 })

	m.Request(videoReq("v1"))
	m.Request(videoReq("v2"))
	if _, err := wait(t, m.Request(imageReq("i1"))); err != nil {
		t.Fatalf("image request blocked behind videos: %v", err)
	}
}

func TestCancelQueuedVideo(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("v1")
	m := newTestManager(t, loader, func(c *Config) { c.VideoQueueLimit = 1 })

	h1 := m.Request(videoReq("v1"))
	h2 := m.Request(videoReq("v2"))
	waitStarted(t, loader, "v1")

	h2.Cancel()
	if h2.State() != StateCancelled {
		t.Errorf("state = %v", h2.State())
	}
	if _, err := h2.Wait(context.Background()); !errors.Is(err, media.ErrCancelled) {
		t.Errorf("Wait err = %v", err)
	}
	if stats := m.GetStats(); stats.VideoQueued != 0 || stats.InFlight != 1 {
		t.Errorf("stats after cancel = %+v", stats)
	}

	release()
	if _, err := wait(t, h1); err != nil {
		t.Fatal(err)
	}
	if n := loader.callsFor("v2"); n != 0 {
		t.Errorf("cancelled queued request ran %d times", n)
	}
	if stats := m.GetStats(); stats.VideoOutstanding != 0 {
		t.Errorf("slot leaked: %+v", stats)
	}
}

func TestCancelOneListenerKeepsFlight(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("shared")
	m := newTestManager(t, loader, nil)

	a := m.Request(imageReq("shared"))
	b := m.Request(imageReq("shared"))
	a.Cancel()
	release()

	if _, err := wait(t, b); err != nil {
		t.Fatalf("remaining listener failed: %v", err)
	}
	if a.State() != StateCancelled {
		t.Errorf("cancelled handle state = %v", a.State())
	}
}

func TestCancelUnstartedTaskFreesKey(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("busy")
	m := newTestManager(t, loader, func(c *Config) { c.ImageWorkers = 1 })

	busy := m.Request(imageReq("busy"))
	waitStarted(t, loader, "busy")
	h := m.Request(imageReq("later"))
	h.Cancel()

	if stats := m.GetStats(); stats.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", stats.InFlight)
	}
	release()
	if _, err := wait(t, busy); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, m.Request(imageReq("later"))); err != nil {
		t.Fatal(err)
	}
	if n := loader.callsFor("later"); n != 1 {
		t.Errorf("later ran %d times, want 1", n)
	}
}

func TestCancelRunningFlightKeepsKey(t *testing.T) {
	loader := newStubbornLoader()
	m := newTestManager(t, loader, func(c *Config) { c.ImageWorkers = 4 })

	first := m.Request(imageReq("a"))
	loader.waitStarted(t)
	first.Cancel()

	if stats := m.GetStats(); stats.InFlight != 1 {
		t.Errorf("InFlight after cancelling a running load = %d, want 1", stats.InFlight)
	}

	second := m.Request(imageReq("a"))
	close(loader.release)
	res, err := wait(t, second)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if res.Image == nil {
		t.Fatal("second request got no image")
	}
	calls, peak := loader.counts()
	if calls != 1 || peak != 1 {
		t.Errorf("calls = %d, peak = %d, want 1 and 1", calls, peak)
	}
}

func TestCancelledRunRerunsForNewRequest(t *testing.T) {
	loader := newStubbornLoader()
	loader.failFirst = 1
	m := newTestManager(t, loader, func(c *Config) { c.ImageWorkers = 4 })

	first := m.Request(imageReq("a"))
	loader.waitStarted(t)
	first.Cancel()
	second := m.Request(imageReq("a"))
	close(loader.release)

	if _, err := wait(t, second); err != nil {
		t.Fatalf("second request: %v", err)
	}
	calls, peak := loader.counts()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if peak != 1 {
		t.Errorf("peak concurrent loads = %d, want 1", peak)
	}
}

func TestCancelledRunIsDroppedWithoutListeners(t *testing.T) {
	loader := newStubbornLoader()
	m := newTestManager(t, loader, nil)

	h := m.Request(imageReq("a"))
	loader.waitStarted(t)
	h.Cancel()
	close(loader.release)

	deadline := time.Now().Add(2 * time.Second)
	for m.GetStats().InFlight != 0 {
		if time.Now().After(deadline) {
			t.Fatal("orphaned flight never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if stats := m.GetStats(); stats.MemoryCacheEntries != 0 {
		t.Errorf("discarded result was cached: %+v", stats)
	}
}

func TestImageTimeout(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("slow")
	defer release()
	m := newTestManager(t, loader, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })

	h := m.Request(imageReq("slow"))
	_, err := wait(t, h)
	if !errors.Is(err, media.ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if stats := m.GetStats(); stats.InFlight != 0 {
		t.Errorf("timed out flight still registered: %+v", stats)
	}
}

func TestVideoTimeoutReleasesSlot(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("stuck")
	defer release()
	m := newTestManager(t, loader, func(c *Config) {
		c.VideoWorkers = 2
		c.VideoQueueLimit = 1
		c.RequestTimeout = time.Minute
		c.VideoTimeout = 50 * time.Millisecond
	})

	stuck := m.Request(videoReq("stuck"))
	next := m.Request(videoReq("next"))

	if _, err := wait(t, stuck); !errors.Is(err, media.ErrTimedOut) {
		t.Fatalf("stuck err = %v, want ErrTimedOut", err)
	}
	if _, err := wait(t, next); err != nil {
		t.Fatalf("queued video never ran after the timeout: %v", err)
	}
}

func TestExtendable(t *testing.T) {
	now := time.Now()
	window := 30 * time.Second
	tests := []struct {
		name   string
		resets int
		last   time.Time
		window time.Duration
		want   bool
	}{
		{"recent activity", 0, now.Add(-time.Second), window, true},
		{"second reset", 1, now.Add(-time.Second), window, true},
		{"resets exhausted", 2, now.Add(-time.Second), window, false},
		{"stale activity", 0, now.Add(-time.Minute), window, false},
		{"no activity yet", 0, time.Time{}, window, false},
		{"timeouts disabled", 0, now, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extendable(tt.resets, 2, tt.last, now, tt.window); got != tt.want {
				t.Errorf("extendable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShutdownFailsUnstartedWork(t *testing.T) {
	loader := newFakeLoader()
	release := loader.block("running")
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.ImageWorkers = 1
	cfg.VideoQueueLimit = 1
	m, err := New(cfg, loader, nil)
	if err != nil {
		t.Fatal(err)
	}

	running := m.Request(imageReq("running"))
	waitStarted(t, loader, "running")
	waiting := m.Request(imageReq("waiting"))
	releaseVideo := loader.block("v1")
	defer releaseVideo()
	m.Request(videoReq("v1"))
	queuedVideo := m.Request(videoReq("v2"))

	m.Shutdown()

	for _, h := range []*Handle{waiting, queuedVideo} {
		if _, err := wait(t, h); !errors.Is(err, media.ErrShutdown) {
			t.Errorf("%s err = %v, want ErrShutdown", h.Key(), err)
		}
	}
	if running.State() != StatePending {
		t.Errorf("running request state = %v", running.State())
	}
	release()
	if _, err := wait(t, running); err != nil {
		t.Errorf("running request should still deliver: %v", err)
	}

	if _, err := wait(t, m.Request(imageReq("after"))); !errors.Is(err, media.ErrShutdown) {
		t.Errorf("request after shutdown err = %v", err)
	}
	m.Shutdown()
}

func TestRecorderCalledForRemoteMedia(t *testing.T) {
	loader := newFakeLoader()
	rec := &fakeRecorder{}
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	m, err := New(cfg, loader, rec)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	res, err := wait(t, m.Request(imageReq("remote")))
	if err != nil {
		t.Fatal(err)
	}
	local := Request{Ref: media.Path(filepath.Join(t.TempDir(), "x.png")), Size: media.Size{Width: 8, Height: 8}}
	if _, err := wait(t, m.Request(local)); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.paths["http://origin.invalid/remote.jpg"]; got != res.Path {
		t.Errorf("recorded path = %q, want %q", got, res.Path)
	}
	if len(rec.paths) != 1 {
		t.Errorf("recorded %d urls, want 1", len(rec.paths))
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{CacheDir: t.TempDir()}, nil, nil); err == nil {
		t.Error("expected an error without a loader")
	}
	if _, err := New(Config{}, newFakeLoader(), nil); err == nil {
		t.Error("expected an error without a cache directory")
	}
}
