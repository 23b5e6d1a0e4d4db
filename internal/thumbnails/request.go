package thumbnails

import (
	"image"
	"strings"

	"media-thumbnailer/internal/media"
)

// Request asks for a thumbnail of Ref that fits within Size.
type Request struct {
	Ref  media.Ref
	Size media.Size
	// Priority is carried for callers that order their own requests; the
	// pools themselves run in admission order.
	Priority int
}

// Key is the identity shared by deduplication and both cache layers.
func (r Request) Key() string {
	return media.RefID(r.Ref) + "_" + r.Size.String()
}

// IsVideo reports whether the request runs on the video pool.
func (r Request) IsVideo() bool {
	return media.IsVideoRef(r.Ref)
}

func (r Request) kind() string {
	if r.IsVideo() {
		return "video"
	}
	return "image"
}

// Result is a delivered thumbnail.
type Result struct {
	Image image.Image
	// FromCache is true only for memory cache hits.
	FromCache bool
	// Path is the PNG file backing the thumbnail on disk.
	Path string
}

// fileName maps a cache key to a file name that stays inside the cache
// directory.
func fileName(key string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", "..", "_")
	return r.Replace(key) + ".png"
}
