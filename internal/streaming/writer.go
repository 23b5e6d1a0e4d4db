package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"media-thumbnailer/internal/logging"
)

var (
	// ErrWriteTimeout means a single chunk could not be written in time.
	ErrWriteTimeout = errors.New("write timeout exceeded")
	// ErrClientGone means the request context ended mid-stream.
	ErrClientGone = errors.New("client disconnected")
)

// Config controls a Writer.
type Config struct {
	// WriteTimeout bounds each chunk write. Zero disables deadlines.
	WriteTimeout time.Duration
	// ChunkSize caps the bytes handed to the connection per write.
	ChunkSize int
	// OnProgress, if set, receives the number of bytes of every chunk that
	// reached the client.
	OnProgress func(n int)
}

// DefaultConfig returns 30s per-chunk deadlines with 256KiB chunks.
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 30 * time.Second,
		ChunkSize:    256 * 1024,
	}
}

// Writer forwards writes to an http.ResponseWriter in deadline-bounded
// chunks. It is not safe for concurrent use.
type Writer struct {
	ctx     context.Context
	w       http.ResponseWriter
	rc      *http.ResponseController
	cfg     Config
	written int64
	armed   bool
}

// NewWriter wraps w. ctx is normally the request context.
func NewWriter(ctx context.Context, w http.ResponseWriter, cfg Config) *Writer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	return &Writer{ctx: ctx, w: w, rc: http.NewResponseController(w), cfg: cfg}
}

// Write implements io.Writer.
func (sw *Writer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if sw.ctx.Err() != nil {
			return total, ErrClientGone
		}
		n := min(len(p), sw.cfg.ChunkSize)
		sw.arm()

		m, err := sw.w.Write(p[:n])
		total += m
		sw.written += int64(m)
		if m > 0 && sw.cfg.OnProgress != nil {
			sw.cfg.OnProgress(m)
		}
		if err != nil {
			return total, sw.classify(err)
		}
		if err := sw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return total, sw.classify(err)
		}
		p = p[n:]
	}
	return total, nil
}

func (sw *Writer) arm() {
	if sw.cfg.WriteTimeout <= 0 {
		return
	}
	if err := sw.rc.SetWriteDeadline(time.Now().Add(sw.cfg.WriteTimeout)); err == nil {
		sw.armed = true
	}
}

func (sw *Writer) classify(err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrWriteTimeout
	case sw.ctx.Err() != nil:
		return ErrClientGone
	default:
		return err
	}
}

// Written returns the bytes accepted by the client so far.
func (sw *Writer) Written() int64 {
	return sw.written
}

// Close clears any write deadline left on the connection.
func (sw *Writer) Close() error {
	if !sw.armed {
		return nil
	}
	sw.armed = false
	return sw.rc.SetWriteDeadline(time.Time{})
}

// Copy streams r to w and returns the bytes written.
func Copy(ctx context.Context, w http.ResponseWriter, r io.Reader, cfg Config) (int64, error) {
	start := time.Now()
	sw := NewWriter(ctx, w, cfg)
	defer sw.Close()

	_, err := io.Copy(sw, r)
	n := sw.Written()
	if err != nil {
		if IsDisconnect(err) {
			logging.Debug("Stream ended early after %d bytes in %v: %v", n, time.Since(start), err)
		}
		return n, err
	}
	logging.Debug("Stream completed: %d bytes in %v", n, time.Since(start))
	return n, nil
}

// IsDisconnect reports whether err means the client went away or stalled.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrClientGone) || errors.Is(err, ErrWriteTimeout)
}
