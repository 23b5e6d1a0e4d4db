package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Kind is the declared type of a media item.
type Kind string

const (
	// KindImage is a still image.
	KindImage Kind = "image"
	// KindVideo is a video file or stream.
	KindVideo Kind = "video"
	// KindAudio is an audio file.
	KindAudio Kind = "audio"
	// KindOther is anything else.
	KindOther Kind = "other"
)

// Size is a target thumbnail bounding box in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Area returns Width*Height.
func (s Size) Area() int {
	return s.Width * s.Height
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Ref references a media item. It is one of Remote, Path or RawURL.
type Ref interface {
	mediaRef()
}

// Remote is a media item known to the caller by an opaque id.
type Remote struct {
	ID        string
	URL       string
	LocalPath string
	Kind      Kind
	Mime      string
	Duration  float64
	Width     int
	Height    int
}

// Path is a bare local filesystem path.
type Path string

// RawURL is a bare URL string. file:// URLs and strings naming an existing
// local file resolve locally.
type RawURL string

func (Remote) mediaRef() {}
func (Path) mediaRef()   {}
func (RawURL) mediaRef() {}

// RefID returns the identity used in cache keys. Path and RawURL references
// are identified by a short hash of their text.
func RefID(ref Ref) string {
	switch r := ref.(type) {
	case Remote:
		if r.ID != "" {
			return r.ID
		}
		return shortHash(r.URL)
	case Path:
		return shortHash(string(r))
	case RawURL:
		return shortHash(string(r))
	default:
		return ""
	}
}

// RemoteURL returns the http(s) URL behind ref, if any.
func RemoteURL(ref Ref) (string, bool) {
	var raw string
	switch r := ref.(type) {
	case Remote:
		if r.LocalPath != "" {
			return "", false
		}
		raw = r.URL
	case RawURL:
		raw = string(r)
	default:
		return "", false
	}
	if IsHTTPURL(raw) {
		return raw, true
	}
	return "", false
}

// IsVideoRef reports whether ref should be scheduled as a video.
func IsVideoRef(ref Ref) bool {
	switch r := ref.(type) {
	case Remote:
		if r.Kind != "" {
			return r.Kind == KindVideo
		}
		if r.LocalPath != "" {
			return IsVideoPath(r.LocalPath)
		}
		return IsVideoPath(ExtFromURL(r.URL))
	case Path:
		return IsVideoPath(string(r))
	case RawURL:
		return IsVideoPath(ExtFromURL(string(r)))
	default:
		return false
	}
}

// IsHTTPURL reports whether raw parses as an http or https URL.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// ExtFromURL returns the lowercased extension of the URL's path component.
func ExtFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(path.Ext(raw))
	}
	return strings.ToLower(path.Ext(u.Path))
}

// IsHLS reports whether raw points at an HLS playlist.
func IsHLS(raw string) bool {
	return ExtFromURL(raw) == ".m3u8" || strings.Contains(strings.ToLower(raw), ".m3u8")
}

// IsVideoPath reports whether the extension of p is a known video extension.
// p may also be a bare extension such as ".mp4".
func IsVideoPath(p string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(p))]
}

// IsMP4Family reports whether ext belongs to an ISO-BMFF container.
func IsMP4Family(ext string) bool {
	return mp4Extensions[strings.ToLower(ext)]
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// ImageExtensions maps file extensions to whether they are supported image formats.
var ImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true, ".tif": true,
	".heic": true, ".heif": true, ".avif": true,
}

// VideoExtensions maps file extensions to whether they are supported video formats.
var VideoExtensions = map[string]bool{
	".mp4": true, ".webm": true, ".mkv": true, ".mov": true,
	".avi": true, ".m4v": true, ".wmv": true, ".flv": true,
	".mpeg": true, ".mpg": true, ".3gp": true, ".ts": true,
}

var mp4Extensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true, ".3gp": true,
}
