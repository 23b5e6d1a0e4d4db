// Package config loads service configuration from the environment, an
// optional .env file and the settings table.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/mediacache"
	"media-thumbnailer/internal/workers"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Config holds all service configuration.
type Config struct {
	CacheDir     string
	ThumbnailDir string
	DatabasePath string
	Port         string

	MaxWorkers       int
	ImageWorkers     int
	VideoWorkers     int
	VideoQueueLimit  int
	MemoryCacheLimit int

	RequestTimeout        time.Duration
	VideoTimeout          time.Duration
	ImageTimeoutMaxResets int

	VideoMaxBytes             int64
	VideoNonFaststartMaxBytes int64
	VideoRetries              int
	VideoRetryDelay           time.Duration
	PartialMaxBytes           int64
	AllowFullVideoDownload    bool
	// MaxConnsPerHost caps concurrent connections to one media origin.
	MaxConnsPerHost int

	EnableRangeProxy   bool
	RangeProxyDir      string
	RangeProxyMaxAge   time.Duration
	RangeProxyMaxBytes int64

	HashSearchBase string

	FFmpegPath  string
	FFprobePath string
	HWAccel     string
	UseVips     bool

	// MemoryLimit is the container memory limit in bytes, usually from the
	// Kubernetes Downward API.
	MemoryLimit int64
	MemoryRatio float64

	LogHealthChecks bool
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("Failed to read .env: %v", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment alone.
func FromEnv() (*Config, error) {
	cacheDir, err := filepath.Abs(getEnv("CACHE_DIR", "./cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory path: %w", err)
	}

	maxWorkers := getEnvInt("MAX_WORKERS", workers.ForCPU(8))
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	c := &Config{
		CacheDir:     cacheDir,
		ThumbnailDir: getEnv("THUMBNAIL_DIR", filepath.Join(cacheDir, "thumbnails")),
		DatabasePath: getEnv("DATABASE_PATH", filepath.Join(cacheDir, "thumbnailer.db")),
		Port:         getEnv("PORT", "8080"),

		MaxWorkers:       maxWorkers,
		ImageWorkers:     getEnvInt("IMAGE_WORKERS", maxWorkers),
		VideoWorkers:     getEnvInt("VIDEO_WORKERS", 1),
		VideoQueueLimit:  getEnvInt("VIDEO_QUEUE_LIMIT", 0),
		MemoryCacheLimit: getEnvInt("MEMORY_CACHE_LIMIT", 256),

		RequestTimeout:        getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		VideoTimeout:          getEnvDuration("VIDEO_TIMEOUT", 0),
		ImageTimeoutMaxResets: getEnvInt("IMAGE_TIMEOUT_MAX_RESETS", 2),

		VideoMaxBytes:             megabytes(getEnvInt64("VIDEO_THUMB_MAX_MB", 300)),
		VideoNonFaststartMaxBytes: megabytes(getEnvInt64("VIDEO_THUMB_NON_FASTSTART_MB", 20)),
		VideoRetries:              getEnvInt("VIDEO_THUMB_RETRIES", 1),
		VideoRetryDelay:           getEnvDuration("VIDEO_THUMB_RETRY_DELAY", 200*time.Millisecond),
		PartialMaxBytes:           megabytes(getEnvInt64("PARTIAL_MAX_MB", 4)),
		AllowFullVideoDownload:    getEnvBool("ALLOW_FULL_VIDEO_DOWNLOAD", true),
		MaxConnsPerHost:           getEnvInt("MAX_CONNS_PER_HOST", workers.ForIO(16)),

		EnableRangeProxy:   getEnvBool("ENABLE_RANGE_PROXY", false),
		RangeProxyDir:      getEnv("RANGE_PROXY_DIR", filepath.Join(cacheDir, "range_proxy")),
		RangeProxyMaxAge:   getEnvDuration("RANGE_PROXY_MAX_AGE", 7*24*time.Hour),
		RangeProxyMaxBytes: megabytes(getEnvInt64("RANGE_PROXY_MAX_MB", 2048)),

		HashSearchBase: getEnv("HASH_SEARCH_BASE", ""),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
		HWAccel:     getEnv("HWACCEL", "auto"),
		UseVips:     getEnvBool("USE_VIPS", true),

		MemoryLimit: getEnvInt64("MEMORY_LIMIT", 0),
		MemoryRatio: getEnvFloat("MEMORY_RATIO", 0),

		LogHealthChecks: getEnvBool("LOG_HEALTH_CHECKS", false),
	}
	if c.ImageWorkers < 1 {
		c.ImageWorkers = maxWorkers
	}
	if c.VideoWorkers < 1 {
		c.VideoWorkers = 1
	}
	c.VideoQueueLimit = max(c.VideoQueueLimit, 0)
	if c.MaxConnsPerHost < 1 {
		c.MaxConnsPerHost = workers.ForIO(16)
	}
	return c, nil
}

// VideoConfig returns the remote video limits in the form the media manager
// takes them.
func (c *Config) VideoConfig() mediacache.VideoConfig {
	return mediacache.VideoConfig{
		MaxBytes:             c.VideoMaxBytes,
		MaxNonFaststartBytes: c.VideoNonFaststartMaxBytes,
		Retries:              c.VideoRetries,
		RetryDelay:           c.VideoRetryDelay,
	}
}

// EnsureDirs creates the cache, thumbnail and database directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.CacheDir, c.ThumbnailDir, filepath.Dir(c.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if c.EnableRangeProxy {
		if err := os.MkdirAll(c.RangeProxyDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", c.RangeProxyDir, err)
		}
	}
	return nil
}

// LogBanner prints the version header and the effective configuration.
func (c *Config) LogBanner() {
	logging.Info("------------------------------------------------------------")
	logging.Info("MEDIA THUMBNAILER %s (commit %s, built %s)", Version, Commit, BuildTime)
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))
	logging.Info("")
	logging.Info("  CACHE_DIR:                    %s", c.CacheDir)
	logging.Info("  THUMBNAIL_DIR:                %s", c.ThumbnailDir)
	logging.Info("  DATABASE_PATH:                %s", c.DatabasePath)
	logging.Info("  PORT:                         %s", c.Port)
	logging.Info("  IMAGE_WORKERS/VIDEO_WORKERS:  %d/%d", c.ImageWorkers, c.VideoWorkers)
	logging.Info("  VIDEO_QUEUE_LIMIT:            %s", limitString(int64(c.VideoQueueLimit), ""))
	logging.Info("  MEMORY_CACHE_LIMIT:           %d", c.MemoryCacheLimit)
	logging.Info("  REQUEST_TIMEOUT:              %v", c.RequestTimeout)
	logging.Info("  VIDEO_TIMEOUT:                %v", c.VideoTimeout)
	logging.Info("  VIDEO_THUMB_MAX_MB:           %s", limitString(c.VideoMaxBytes>>20, " MB"))
	logging.Info("  VIDEO_THUMB_NON_FASTSTART_MB: %s", limitString(c.VideoNonFaststartMaxBytes>>20, " MB"))
	logging.Info("  VIDEO_THUMB_RETRIES:          %d (delay %v)", c.VideoRetries, c.VideoRetryDelay)
	logging.Info("  ALLOW_FULL_VIDEO_DOWNLOAD:    %v", c.AllowFullVideoDownload)
	logging.Info("  MAX_CONNS_PER_HOST:           %d", c.MaxConnsPerHost)
	logging.Info("  ENABLE_RANGE_PROXY:           %v", c.EnableRangeProxy)
	logging.Info("  HWACCEL:                      %s", c.HWAccel)
	logging.Info("  LOG_LEVEL:                    %s", logging.GetLevel())
	if c.HashSearchBase != "" {
		logging.Info("  HASH_SEARCH_BASE:             %s", c.HashSearchBase)
	}
	logging.Info("")
}

func limitString(n int64, unit string) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d%s", n, unit)
}
