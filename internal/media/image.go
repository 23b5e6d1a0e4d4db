package media

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/metrics"

	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // BMP decoder
	_ "golang.org/x/image/tiff" // TIFF decoder
	_ "golang.org/x/image/webp" // WebP decoder
)

// GenerateImageThumbnail decodes path and scales it to fit within size,
// preserving aspect ratio. A non-positive dimension returns the full
// resolution decode.
func (p *Processor) GenerateImageThumbnail(ctx context.Context, path string, size Size) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if size.Valid() && p.config.UseVips && IsVipsAvailable() {
		img, err := LoadImageWithVips(path, size.Width, size.Height)
		if err == nil {
			metrics.ImageDecodeByBackend.WithLabelValues("vips", "success").Inc()
			return FitImage(img, size), nil
		}
		metrics.ImageDecodeByBackend.WithLabelValues("vips", "error").Inc()
		logging.Debug("vips decode failed for %s, falling back: %v", filepath.Base(path), err)
	}

	img, err := p.decodeImage(ctx, path)
	if err != nil {
		return nil, err
	}
	if !size.Valid() {
		return img, nil
	}
	return FitImage(img, size), nil
}

// decodeImage tries the Go decoders first and ffmpeg second.
func (p *Processor) decodeImage(ctx context.Context, path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err == nil {
		metrics.ImageDecodeByBackend.WithLabelValues("imaging", "success").Inc()
		return img, nil
	}
	metrics.ImageDecodeByBackend.WithLabelValues("imaging", "error").Inc()
	logging.Debug("imaging.Open failed for %s: %v, trying ffmpeg", filepath.Base(path), err)

	img, ffErr := p.runFrame(ctx, path, 0, Size{}, "")
	if ffErr != nil {
		metrics.ImageDecodeByBackend.WithLabelValues("ffmpeg", "error").Inc()
		return nil, fmt.Errorf("%w: %s: %v; ffmpeg: %v", ErrDecode, filepath.Base(path), err, ffErr)
	}
	metrics.ImageDecodeByBackend.WithLabelValues("ffmpeg", "success").Inc()
	return img, nil
}

// FitImage scales img so it fits exactly within size with its aspect ratio
// preserved, using bilinear filtering.
func FitImage(img image.Image, size Size) image.Image {
	w, h := FitDimensions(img.Bounds().Dx(), img.Bounds().Dy(), size)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return img
	}
	return imaging.Resize(img, w, h, imaging.Linear)
}

// FitDimensions returns the largest srcW:srcH rectangle inside size.
func FitDimensions(srcW, srcH int, size Size) (int, int) {
	if srcW <= 0 || srcH <= 0 || !size.Valid() {
		return srcW, srcH
	}
	scale := math.Min(float64(size.Width)/float64(srcW), float64(size.Height)/float64(srcH))
	w := max(1, int(math.Round(float64(srcW)*scale)))
	h := max(1, int(math.Round(float64(srcH)*scale)))
	return min(w, size.Width), min(h, size.Height)
}

// ShrinkToFit downsizes img to fit within size and never enlarges it.
func ShrinkToFit(img image.Image, size Size) image.Image {
	b := img.Bounds()
	if !size.Valid() || (b.Dx() <= size.Width && b.Dy() <= size.Height) {
		return img
	}
	return imaging.Fit(img, size.Width, size.Height, imaging.Linear)
}
