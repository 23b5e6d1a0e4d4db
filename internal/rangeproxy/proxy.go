// Package rangeproxy is a loopback HTTP proxy that serves byte ranges of
// remote media from a chunked disk cache.
//
// Frame extractors seek around a video with many small range requests. Going
// through the proxy turns those into fixed-size chunk fetches that are kept
// on disk under {dir}/{key[:2]}/{key}/chunk_{i}.bin, so repeated seeks and
// retries do not hit the origin again.
package rangeproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/singleflight"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/mediacache"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/streaming"
)

const (
	// DefaultChunkSize is the unit of caching and origin fetches.
	DefaultChunkSize int64 = 8 * 1024 * 1024
	minChunkSize     int64 = 256 * 1024

	defaultProbeTimeout = 10 * time.Second
)

// Options configures a Proxy.
type Options struct {
	// Dir holds the chunk cache.
	Dir string
	// ChunkSize is rounded up to 256KiB. Zero means DefaultChunkSize.
	ChunkSize int64
	// Client talks to origins. Nil means a client without an overall
	// timeout, since passthrough responses can be long.
	Client *http.Client
	// ProbeTimeout bounds the metadata probe of a new URL.
	ProbeTimeout time.Duration
	// Addr is the listen address for Start. Defaults to 127.0.0.1:0.
	Addr string
	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration
}

// Proxy serves GET /proxy?url=.
type Proxy struct {
	opts   Options
	client *http.Client
	locks  *mediacache.LockTable
	probes singleflight.Group
	router *mux.Router

	mu   sync.Mutex
	srv  *http.Server
	base string
}

// New prepares a proxy over opts.Dir. Call Start to listen.
func New(opts Options) (*Proxy, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("rangeproxy: Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create range proxy cache directory: %w", err)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.ChunkSize = max(opts.ChunkSize, minChunkSize)
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = streaming.DefaultConfig().WriteTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	p := &Proxy{
		opts:   opts,
		client: client,
		locks:  mediacache.NewLockTable(),
	}
	p.router = mux.NewRouter()
	p.router.HandleFunc("/proxy", p.handleProxy).Methods(http.MethodGet)
	return p, nil
}

// Handler returns the proxy's router, for mounting or tests.
func (p *Proxy) Handler() http.Handler {
	return p.router
}

// Start listens on opts.Addr and serves in the background.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.opts.Addr)
	if err != nil {
		return fmt.Errorf("range proxy listen on %s: %w", p.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           p.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.LevelDebug, "rangeproxy: "),
	}
	p.srv = srv
	p.base = "http://" + ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Range proxy stopped: %v", err)
		}
	}()
	logging.Info("Range proxy listening on %s (chunk size %d KiB, cache %s)", p.base, p.opts.ChunkSize/1024, p.opts.Dir)
	return nil
}

// BaseURL is the proxy's address, or "" before Start.
func (p *Proxy) BaseURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base
}

// ProxyURL rewrites raw to go through the proxy. Before Start it returns raw
// unchanged.
func (p *Proxy) ProxyURL(raw string) string {
	base := p.BaseURL()
	if base == "" {
		return raw
	}
	return base + "/proxy?url=" + url.QueryEscape(raw)
}

// Shutdown stops the listener and waits for active requests up to ctx.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.base = ""
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "MISSING_URL", "No URL specified for proxying.")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_SCHEME", "Only HTTP and HTTPS URLs are supported.")
		return
	}

	header := r.Header.Get("Range")
	if header == "" {
		p.passthrough(w, r, raw, "")
		return
	}
	br, ok := parseRange(header)
	if !ok {
		p.passthrough(w, r, raw, header)
		return
	}
	m, err := p.ensureMeta(r.Context(), raw)
	if err != nil {
		logging.Debug("Range proxy has no size for %s, passing through: %v", raw, err)
		p.passthrough(w, r, raw, header)
		return
	}

	start, end, ok := br.resolve(m.TotalSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.TotalSize))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "RANGE_OUT_OF_BOUNDS",
			"The requested byte range is outside the file size.")
		return
	}
	p.serveRange(w, r, raw, m, start, end)
}

// serveRange answers 206 for [start, end] from cached chunks. The first
// chunk is loaded before any header is written so an origin failure can
// still be reported as 502.
func (p *Proxy) serveRange(w http.ResponseWriter, r *http.Request, raw string, m meta, start, end int64) {
	ctx := r.Context()
	key := cacheKey(raw)
	first := start / p.opts.ChunkSize
	last := end / p.opts.ChunkSize

	data, err := p.chunk(ctx, raw, key, first, m.TotalSize)
	if err != nil {
		logging.Warn("Range proxy failed to fetch chunk %d of %s: %v", first, raw, err)
		writeError(w, http.StatusBadGateway, "ORIGIN_ERROR", "The origin could not provide the requested range.")
		return
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.TotalSize))
	h.Set("Content-Length", fmt.Sprintf("%d", end-start+1))
	if m.ContentType != "" {
		h.Set("Content-Type", m.ContentType)
	}
	w.WriteHeader(http.StatusPartialContent)

	sw := streaming.NewWriter(ctx, w, p.streamConfig())
	defer sw.Close()

	for idx := first; idx <= last; idx++ {
		if idx != first {
			if data, err = p.chunk(ctx, raw, key, idx, m.TotalSize); err != nil {
				logging.Warn("Range proxy aborted %s at chunk %d: %v", raw, idx, err)
				return
			}
		}
		chunkStart := idx * p.opts.ChunkSize
		lo := max(start, chunkStart) - chunkStart
		hi := min(end, chunkStart+int64(len(data))-1) - chunkStart
		if hi < lo {
			continue
		}
		if _, err := sw.Write(data[lo : hi+1]); err != nil {
			logging.Debug("Range proxy client stopped reading %s at chunk %d: %v", raw, idx, err)
			return
		}
	}
}

// passthrough relays the request to the origin as is, forwarding
// rangeHeader when set.
func (p *Proxy) passthrough(w http.ResponseWriter, r *http.Request, raw, rangeHeader string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, raw, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_URL", "The URL could not be requested.")
		return
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Warn("Range proxy passthrough failed for %s: %v", raw, err)
		writeError(w, http.StatusBadGateway, "ORIGIN_ERROR", "The origin could not be reached.")
		return
	}
	defer resp.Body.Close()

	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := streaming.Copy(r.Context(), w, resp.Body, p.streamConfig()); err != nil && !streaming.IsDisconnect(err) {
		logging.Debug("Range proxy passthrough for %s ended: %v", raw, err)
	}
}

func (p *Proxy) streamConfig() streaming.Config {
	return streaming.Config{
		WriteTimeout: p.opts.WriteTimeout,
		ChunkSize:    256 * 1024,
		OnProgress:   func(n int) { metrics.ProxyBytesServed.Add(float64(n)) },
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}
