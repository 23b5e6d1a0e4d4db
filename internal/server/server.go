// Package server is the HTTP front end of the thumbnail service.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/middleware"
	"media-thumbnailer/internal/thumbnails"
)

// Thumbnailer schedules thumbnail requests.
type Thumbnailer interface {
	Request(req thumbnails.Request) *thumbnails.Handle
	GetStats() metrics.Stats
}

// MemoryStatus reports memory backpressure for /health.
type MemoryStatus interface {
	Paused() bool
	Usage() (alloc uint64, limit int64)
}

// Options configures a Server.
type Options struct {
	Thumbnails Thumbnailer
	// Memory is optional.
	Memory MemoryStatus
	// WaitTimeout bounds how long a request waits for its thumbnail. The
	// thumbnail manager's own timeouts normally fire first.
	WaitTimeout time.Duration
	// DefaultSize applies when w and h are both absent.
	DefaultSize     int
	Version         string
	LogHealthChecks bool
}

// Server routes the service endpoints.
type Server struct {
	opts    Options
	router  *mux.Router
	started time.Time
}

// New builds the router.
func New(opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	if opts.DefaultSize <= 0 {
		opts.DefaultSize = 256
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{opts: opts, started: time.Now()}

	r := mux.NewRouter()
	r.Use(middleware.Metrics(middleware.DefaultMetricsConfig()))
	r.HandleFunc("/api/thumbnail", s.handleThumbnail).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/livez", s.handleLiveness).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the router wrapped in request ID and access log
// middleware.
func (s *Server) Handler() http.Handler {
	logCfg := middleware.DefaultLoggingConfig()
	logCfg.LogHealthChecks = s.opts.LogHealthChecks
	return middleware.RequestID(middleware.Logger(logCfg)(s.router))
}

// Router exposes the router for route listing.
func (s *Server) Router() *mux.Router {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode JSON response: %v", err)
	}
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
