package server

import (
	"net/http"
	"runtime"
	"time"

	"media-thumbnailer/internal/metrics"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Uptime       string          `json:"uptime"`
	GoVersion    string          `json:"goVersion"`
	NumGoroutine int             `json:"numGoroutine"`
	Thumbnails   metrics.Stats   `json:"thumbnails"`
	Memory       *MemoryResponse `json:"memory,omitempty"`
}

// MemoryResponse describes heap use against the configured limit.
type MemoryResponse struct {
	AllocBytes uint64 `json:"allocBytes"`
	LimitBytes int64  `json:"limitBytes"`
	Paused     bool   `json:"paused"`
}

// handleHealth answers 200 while healthy and 503 while workers are paused
// by memory pressure.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:       statusHealthy,
		Version:      s.opts.Version,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	if s.opts.Thumbnails != nil {
		resp.Thumbnails = s.opts.Thumbnails.GetStats()
	}
	code := http.StatusOK
	if s.opts.Memory != nil {
		alloc, limit := s.opts.Memory.Usage()
		resp.Memory = &MemoryResponse{AllocBytes: alloc, LimitBytes: limit, Paused: s.opts.Memory.Paused()}
		if resp.Memory.Paused {
			resp.Status = statusDegraded
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   s.opts.Version,
		"goVersion": runtime.Version(),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
	})
}
