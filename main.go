package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-thumbnailer/internal/config"
	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/mediacache"
	"media-thumbnailer/internal/memory"
	"media-thumbnailer/internal/metrics"
	"media-thumbnailer/internal/rangeproxy"
	"media-thumbnailer/internal/server"
	"media-thumbnailer/internal/startup"
	"media-thumbnailer/internal/store"
	"media-thumbnailer/internal/thumbnails"
)

const (
	oversizedFlagMaxAge     = 30 * 24 * time.Hour
	maintenanceInterval     = time.Hour
	settingsRefreshInterval = time.Minute
	metricsInterval         = 15 * time.Second
	shutdownTimeout         = 30 * time.Second
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}
	cfg.LogBanner()
	if err := cfg.EnsureDirs(); err != nil {
		startup.LogFatal("Failed to prepare directories: %v", err)
	}

	budget := memory.SetHeapLimit(cfg.MemoryLimit, cfg.MemoryRatio)
	gate := memory.NewGate(memory.DefaultGateConfig(budget.HeapLimit))
	gate.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to open database: %v", err)
	}
	if n := cfg.ApplySettings(ctx, db); n > 0 {
		logging.Info("Applied %d stored settings", n)
	}

	metrics.InitializeMetrics()
	filesystem.SetObserver(metrics.NewFilesystemObserver())

	startup.LogTools(ctx, cfg.FFmpegPath, cfg.FFprobePath)
	if cfg.UseVips {
		if err := media.InitVips(); err != nil {
			logging.Warn("libvips unavailable, decoding with Go image libraries: %v", err)
		}
	}
	processor := media.NewProcessor(ctx, media.ProcessorConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		HWAccel:     cfg.HWAccel,
		UseVips:     cfg.UseVips,
	})

	locks := mediacache.NewLockTable()
	var proxy *rangeproxy.Proxy
	if cfg.EnableRangeProxy {
		proxy, err = rangeproxy.New(rangeproxy.Options{Dir: cfg.RangeProxyDir})
		if err != nil {
			startup.LogFatal("Failed to create range proxy: %v", err)
		}
		if err := proxy.Start(); err != nil {
			startup.LogFatal("Failed to start range proxy: %v", err)
		}
	}

	opts := mediacache.DefaultOptions()
	opts.CacheDir = cfg.CacheDir
	opts.Store = db
	opts.Processor = processor
	opts.Locks = locks
	opts.AllowFullVideoDownload = cfg.AllowFullVideoDownload
	opts.Video = cfg.VideoConfig()
	opts.PartialMaxBytes = cfg.PartialMaxBytes
	opts.MaxConnsPerHost = cfg.MaxConnsPerHost
	opts.HashSearchBase = cfg.HashSearchBase
	if proxy != nil {
		opts.Proxy = proxy
	}
	mc, err := mediacache.New(opts)
	if err != nil {
		startup.LogFatal("Failed to create media cache: %v", err)
	}

	thumbs, err := thumbnails.New(thumbnails.Config{
		CacheDir:              cfg.ThumbnailDir,
		ImageWorkers:          cfg.ImageWorkers,
		VideoWorkers:          cfg.VideoWorkers,
		VideoQueueLimit:       cfg.VideoQueueLimit,
		MemoryCacheLimit:      cfg.MemoryCacheLimit,
		RequestTimeout:        cfg.RequestTimeout,
		VideoTimeout:          cfg.VideoTimeout,
		ImageTimeoutMaxResets: cfg.ImageTimeoutMaxResets,
		Gate:                  gate.Wait,
	}, mc, mc)
	if err != nil {
		startup.LogFatal("Failed to create thumbnail manager: %v", err)
	}

	collector := metrics.NewCollector(thumbs, metricsInterval)
	collector.Start()

	go every(ctx, maintenanceInterval, func() { maintain(ctx, db, proxy, cfg) })
	live := *cfg
	go every(ctx, settingsRefreshInterval, func() {
		live.ApplySettings(ctx, db)
		if vc := live.VideoConfig(); vc != mc.VideoConfig() {
			logging.Info("Video limits changed in settings, applying")
			mc.ApplyVideoConfig(vc)
		}
	})

	srv := server.New(server.Options{
		Thumbnails:      thumbs,
		Memory:          gate,
		WaitTimeout:     max(cfg.RequestTimeout, cfg.VideoTimeout) + 10*time.Second,
		Version:         config.Version,
		LogHealthChecks: cfg.LogHealthChecks,
	})
	startup.LogHTTPRoutes(srv.Router(), cfg.LogHealthChecks)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.NewStdLogger(logging.LevelWarn, "http: "),
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	info := startup.ServerInfo{Port: cfg.Port, StartupDuration: time.Since(startTime)}
	if proxy != nil {
		info.RangeProxyURL = proxy.BaseURL()
	}
	startup.LogServerStarted(info)

	select {
	case err := <-serveErr:
		if err != nil {
			logging.Error("Server error: %v", err)
		}
		startup.LogShutdownInitiated("server error")
	case <-ctx.Done():
		startup.LogShutdownInitiated("signal")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	startup.ShutdownStep("HTTP server stopped", func() error { return httpServer.Shutdown(shutdownCtx) })
	startup.ShutdownStep("Thumbnail workers stopped", func() error { thumbs.Shutdown(); return nil })
	startup.ShutdownStep("Metrics collector stopped", func() error { collector.Stop(); return nil })
	if proxy != nil {
		startup.ShutdownStep("Range proxy stopped", func() error { return proxy.Shutdown(shutdownCtx) })
	}
	startup.ShutdownStep("Memory gate stopped", func() error { gate.Stop(); return nil })
	if media.IsVipsAvailable() {
		startup.ShutdownStep("libvips shut down", func() error { media.ShutdownVips(); return nil })
	}
	startup.ShutdownStep("Database closed", db.Close)
	startup.LogShutdownComplete()
}

// every runs fn each interval until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// maintain expires stale oversized flags, trims the range proxy cache and
// refreshes the database gauges.
func maintain(ctx context.Context, db *store.Store, proxy *rangeproxy.Proxy, cfg *config.Config) {
	if n, err := db.ClearOldOversizedFlags(ctx, oversizedFlagMaxAge); err != nil {
		logging.Warn("Failed to clear old oversized flags: %v", err)
	} else if n > 0 {
		logging.Info("Cleared %d oversized flags older than %v", n, oversizedFlagMaxAge)
	}

	if proxy != nil {
		removed, freed, err := proxy.Cleanup(cfg.RangeProxyMaxAge, cfg.RangeProxyMaxBytes)
		if err != nil {
			logging.Warn("Range proxy cleanup failed: %v", err)
		} else if removed > 0 {
			logging.Info("Range proxy cleanup removed %d entries (%s)", removed, memory.FormatBytes(freed))
		}
	}

	db.UpdateDBMetrics()
}
