package media

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"media-thumbnailer/internal/logging"
)

// ProcessorConfig configures the decoder front end.
type ProcessorConfig struct {
	FFmpegPath  string
	FFprobePath string

	// HWAccel is "auto" (probe at construction), "none", or a specific
	// ffmpeg -hwaccel method.
	HWAccel string

	ProbeTimeout   time.Duration
	ExtractTimeout time.Duration

	// UseVips routes image decodes through libvips when it is initialized.
	UseVips bool

	Runner CommandRunner
}

// DefaultProcessorConfig returns the defaults used by the service.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		HWAccel:        "auto",
		ProbeTimeout:   10 * time.Second,
		ExtractTimeout: 30 * time.Second,
		UseVips:        true,
	}
}

// Processor turns local files and pre-resolved URLs into decoded, resized
// images. It holds no caches and does no network I/O of its own; ffmpeg
// reads URLs directly for the URL variants.
type Processor struct {
	config  ProcessorConfig
	runner  CommandRunner
	hwaccel string
}

// NewProcessor builds a Processor and selects a hardware acceleration method.
func NewProcessor(ctx context.Context, config ProcessorConfig) *Processor {
	defaults := DefaultProcessorConfig()
	if config.FFmpegPath == "" {
		config.FFmpegPath = defaults.FFmpegPath
	}
	if config.FFprobePath == "" {
		config.FFprobePath = defaults.FFprobePath
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.ExtractTimeout <= 0 {
		config.ExtractTimeout = defaults.ExtractTimeout
	}

	p := &Processor{config: config, runner: config.Runner}
	if p.runner == nil {
		p.runner = ExecRunner{}
	}

	switch strings.ToLower(config.HWAccel) {
	case "", "auto":
		p.hwaccel = p.detectHWAccel(ctx)
	case "none", "off", "false":
		p.hwaccel = ""
	default:
		p.hwaccel = config.HWAccel
	}

	if p.hwaccel != "" {
		logging.Info("Video frame extraction will try hwaccel %q first", p.hwaccel)
	} else {
		logging.Debug("Video frame extraction uses software decoding")
	}
	return p
}

// HWAccel returns the selected acceleration method, or "" for software.
func (p *Processor) HWAccel() string {
	return p.hwaccel
}

// GenerateThumbnail dispatches on the file extension to video frame
// extraction or image decode.
func (p *Processor) GenerateThumbnail(ctx context.Context, path string, size Size, timestamp float64) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if IsVideoPath(path) {
		return p.GenerateVideoThumbnail(ctx, path, size, timestamp)
	}
	return p.GenerateImageThumbnail(ctx, path, size)
}

// GenerateVideoThumbnailFromURL extracts a single keyframe-aligned frame from
// a range-seekable URL without scoring candidates.
func (p *Processor) GenerateVideoThumbnailFromURL(ctx context.Context, rawURL string, size Size, timestamp float64) (image.Image, error) {
	return p.singleFrame(ctx, rawURL, size, timestamp)
}

// GenerateHLSThumbnail extracts a single frame from an HLS playlist URL.
func (p *Processor) GenerateHLSThumbnail(ctx context.Context, playlistURL string, size Size, timestamp float64) (image.Image, error) {
	return p.singleFrame(ctx, playlistURL, size, timestamp)
}

func (p *Processor) singleFrame(ctx context.Context, src string, size Size, timestamp float64) (image.Image, error) {
	target := max(timestamp, 0)
	if kf, ok := p.nextKeyframe(ctx, src, target); ok {
		target = kf
	}

	img, err := p.extractFrame(ctx, src, target, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %.2fs: %v", ErrDecode, displayName(src), target, err)
	}
	return img, nil
}

func displayName(src string) string {
	if IsHTTPURL(src) {
		return src
	}
	return filepath.Base(src)
}
