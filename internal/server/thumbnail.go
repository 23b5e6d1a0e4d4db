package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/streaming"
	"media-thumbnailer/internal/thumbnails"
)

// Response headers of /api/thumbnail.
const (
	HeaderCache  = "X-Thumbnail-Cache"
	HeaderHandle = "X-Thumbnail-Handle"
	HeaderKey    = "X-Thumbnail-Key"
)

// parseThumbnailRequest reads url, id, type, w, h and priority. Only http
// and https URLs are accepted so the endpoint cannot read local files.
func (s *Server) parseThumbnailRequest(r *http.Request) (thumbnails.Request, error) {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get("url"))
	if raw == "" {
		return thumbnails.Request{}, errors.New("url is required")
	}
	if !media.IsHTTPURL(raw) {
		return thumbnails.Request{}, media.ErrUnsupportedScheme
	}

	size := media.Size{Width: s.opts.DefaultSize, Height: s.opts.DefaultSize}
	if q.Has("w") || q.Has("h") {
		var err error
		if size.Width, err = intParam(q.Get("w")); err != nil {
			return thumbnails.Request{}, errors.New("w must be an integer")
		}
		if size.Height, err = intParam(q.Get("h")); err != nil {
			return thumbnails.Request{}, errors.New("h must be an integer")
		}
	}
	priority, err := intParam(q.Get("priority"))
	if err != nil {
		return thumbnails.Request{}, errors.New("priority must be an integer")
	}

	var ref media.Ref = media.RawURL(raw)
	id, kind := q.Get("id"), media.Kind(strings.ToLower(q.Get("type")))
	switch kind {
	case "", media.KindImage, media.KindVideo, media.KindAudio, media.KindOther:
	default:
		return thumbnails.Request{}, errors.New("type must be image, video, audio or other")
	}
	if id != "" || kind != "" {
		ref = media.Remote{ID: id, URL: raw, Kind: kind}
	}
	return thumbnails.Request{Ref: ref, Size: size, Priority: priority}, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// handleThumbnail schedules the request and streams the PNG once the handle
// completes. A client that goes away cancels its handle.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseThumbnailRequest(r)
	if err != nil {
		code := "INVALID_REQUEST"
		if errors.Is(err, media.ErrUnsupportedScheme) {
			code = "UNSUPPORTED_SCHEME"
		}
		writeJSONError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	if s.opts.Thumbnails == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "thumbnails are not configured")
		return
	}

	h := s.opts.Thumbnails.Request(req)
	w.Header().Set(HeaderHandle, h.ID())
	w.Header().Set(HeaderKey, h.Key())

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.WaitTimeout)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			h.Cancel()
			if r.Context().Err() != nil {
				logging.Debug("Client left before thumbnail %s was ready", h.Key())
				return
			}
			err = media.ErrTimedOut
		}
		status, code := errorStatus(err)
		logging.Debug("Thumbnail %s failed with %d: %v", h.Key(), status, err)
		writeJSONError(w, status, code, err.Error())
		return
	}

	cache := "miss"
	if res.FromCache {
		cache = "hit"
	}
	w.Header().Set(HeaderCache, cache)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	s.writePNG(w, r, res)
}

// writePNG streams the disk copy when there is one and encodes the image
// otherwise.
func (s *Server) writePNG(w http.ResponseWriter, r *http.Request, res thumbnails.Result) {
	if res.Path != "" {
		if f, err := filesystem.OpenWithRetry(res.Path, filesystem.DefaultRetryConfig()); err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil {
				w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
			}
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodHead {
				return
			}
			if _, err := streaming.Copy(r.Context(), w, f, streaming.DefaultConfig()); err != nil && !streaming.IsDisconnect(err) {
				logging.Warn("Failed to stream thumbnail %s: %v", res.Path, err)
			}
			return
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, res.Image, imaging.PNG); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := streaming.Copy(r.Context(), w, &buf, streaming.DefaultConfig()); err != nil && !streaming.IsDisconnect(err) {
		logging.Warn("Failed to write thumbnail: %v", err)
	}
}

// errorStatus maps pipeline failures to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var httpErr *media.HTTPError
	switch {
	case errors.Is(err, media.ErrShutdown):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, media.ErrTimedOut):
		return http.StatusGatewayTimeout, "TIMED_OUT"
	case errors.Is(err, media.ErrCancelled):
		return http.StatusConflict, "CANCELLED"
	case errors.Is(err, media.ErrUnsupportedScheme):
		return http.StatusBadRequest, "UNSUPPORTED_SCHEME"
	case errors.Is(err, media.ErrSizeLimitExceeded),
		errors.Is(err, media.ErrSizeUnknown),
		errors.Is(err, media.ErrDownloadsDisabled):
		return http.StatusUnprocessableEntity, "TOO_LARGE"
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone {
			return http.StatusNotFound, "NOT_FOUND"
		}
		return http.StatusBadGateway, "ORIGIN_ERROR"
	default:
		return http.StatusInternalServerError, "GENERATION_FAILED"
	}
}
