package mediacache

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/store"
)

// cacheLookupURL is the URL whose content identity keys the persisted
// thumbnails of ref.
func cacheLookupURL(ref media.Ref) string {
	switch r := ref.(type) {
	case media.Remote:
		if media.IsHTTPURL(r.URL) {
			return r.URL
		}
	case media.RawURL:
		if media.IsHTTPURL(string(r)) {
			return string(r)
		}
	}
	return ""
}

// pickVariant chooses the variant closest in area to size among those at
// least as large in both dimensions.
func pickVariant(variants []store.ThumbnailEntry, size media.Size) (store.ThumbnailEntry, bool) {
	target := max(1, size.Area())
	var best store.ThumbnailEntry
	bestDiff := math.MaxInt
	found := false
	for _, v := range variants {
		if v.Width <= 0 || v.Height <= 0 {
			continue
		}
		if v.Width < size.Width || v.Height < size.Height {
			continue
		}
		diff := v.Area() - target
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			best, bestDiff, found = v, diff, true
		}
	}
	return best, found
}

// loadCachedThumbnail returns a persisted thumbnail for the content behind
// ref, shrinking a larger variant when no exact size exists. Any failure
// is a miss.
func (m *Manager) loadCachedThumbnail(ctx context.Context, ref media.Ref, size media.Size) image.Image {
	st := m.opts.Store
	if st == nil || !size.Valid() {
		return nil
	}
	raw := cacheLookupURL(ref)
	if raw == "" {
		return nil
	}

	id, err := st.GetContentIDForURL(ctx, raw)
	if err != nil || id == "" {
		return nil
	}

	entry, err := st.GetCachedThumbnail(ctx, id, size.Width, size.Height)
	if err != nil {
		return nil
	}
	if entry == nil {
		variants, err := st.GetThumbnailVariants(ctx, id)
		if err != nil || len(variants) == 0 {
			metrics.ThumbnailCacheMisses.WithLabelValues("store").Inc()
			return nil
		}
		best, ok := pickVariant(variants, size)
		if !ok {
			metrics.ThumbnailCacheMisses.WithLabelValues("store").Inc()
			return nil
		}
		entry = &best
	}

	if entry.Path == "" || !filesystem.Exists(entry.Path) {
		metrics.ThumbnailCacheMisses.WithLabelValues("store").Inc()
		return nil
	}
	src, err := imaging.Open(entry.Path)
	if err != nil {
		logging.Debug("Cached thumbnail %s is unreadable: %v", entry.Path, err)
		return nil
	}

	img := media.ShrinkToFit(src, size)
	resized := img.Bounds().Size() != src.Bounds().Size()

	if err := st.TouchThumbnailEntry(ctx, id, entry.Width, entry.Height); err != nil {
		logging.Debug("Failed to touch thumbnail entry %s: %v", id, err)
	}
	if resized {
		m.persistResized(ctx, id, size, img, entry.Path)
	}
	metrics.ThumbnailCacheHits.WithLabelValues("store").Inc()
	return img
}

// persistResized saves a downscaled copy beside source as
// {stem}_{w}x{h}{ext} and records it as a variant.
func (m *Manager) persistResized(ctx context.Context, contentID string, size media.Size, img image.Image, source string) {
	ext := filepath.Ext(source)
	if ext == "" {
		ext = ".png"
	}
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	target := filepath.Join(filepath.Dir(source), fmt.Sprintf("%s_%dx%d%s", stem, size.Width, size.Height, ext))

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		logging.Debug("Failed to encode resized thumbnail: %v", err)
		return
	}
	if _, err := filesystem.WriteFileAtomic(target, &buf); err != nil {
		logging.Debug("Failed to save resized thumbnail %s: %v", target, err)
		return
	}
	if err := m.opts.Store.CacheThumbnailForContent(ctx, contentID, size.Width, size.Height, target); err != nil {
		logging.Debug("Failed to record resized thumbnail %s: %v", target, err)
	}
}
