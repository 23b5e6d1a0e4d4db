// Package streaming copies response bodies to HTTP clients with per-write
// deadlines.
//
// A client that stops reading would otherwise pin the handler goroutine and
// whatever upstream connection feeds it. Writer splits each write into
// chunks, sets a fresh write deadline on the underlying connection before
// every chunk and flushes after it, so a stalled client surfaces as
// ErrWriteTimeout and a cancelled request as ErrClientGone.
//
// Basic use:
//
//	n, err := streaming.Copy(r.Context(), w, body, streaming.DefaultConfig())
//	if streaming.IsDisconnect(err) {
//		// nothing left to tell the client
//	}
//
// Response writers that do not support deadlines (httptest.ResponseRecorder,
// for instance) are written to without one.
package streaming
