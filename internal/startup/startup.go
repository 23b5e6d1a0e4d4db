package startup

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"media-thumbnailer/internal/config"
	"media-thumbnailer/internal/logging"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   config.Version,
		Commit:    config.Commit,
		BuildTime: config.BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// ToolInfo describes an external binary found on the PATH.
type ToolInfo struct {
	Name    string
	Path    string
	Version string
}

const toolVersionTimeout = 5 * time.Second

// CheckTool resolves name and reads the first line of "name -version". A
// binary that cannot report a version is still returned without error.
func CheckTool(ctx context.Context, name string) (ToolInfo, error) {
	info := ToolInfo{Name: name}
	path, err := exec.LookPath(name)
	if err != nil {
		return info, fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	info.Path = path

	ctx, cancel := context.WithTimeout(ctx, toolVersionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		logging.Debug("  %s -version failed: %v", name, err)
		return info, nil
	}
	first, _, _ := strings.Cut(string(out), "\n")
	info.Version = strings.TrimSpace(first)
	return info, nil
}

// LogTools checks every tool and logs what was found. Missing tools are
// warnings: image thumbnails still work without ffmpeg.
func LogTools(ctx context.Context, names ...string) {
	logging.Info("------------------------------------------------------------")
	logging.Info("EXTERNAL TOOLS")
	logging.Info("------------------------------------------------------------")
	for _, name := range names {
		info, err := CheckTool(ctx, name)
		if err != nil {
			logging.Warn("  [MISSING] %v", err)
			continue
		}
		logging.Info("  [OK] %s (%s)", info.Name, info.Path)
		if info.Version != "" {
			logging.Debug("       %s", info.Version)
		}
	}
	logging.Info("")
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
}

// GetRoutes extracts all registered routes from a mux.Router, sorted by
// path and method.
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo
	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		tmpl, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}
		for _, m := range methods {
			routes = append(routes, RouteInfo{Method: m, Path: tmpl})
		}
		return nil
	})
	slices.SortFunc(routes, func(a, b RouteInfo) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Method, b.Method)
	})
	return routes, err
}

// LogHTTPRoutes lists the routes at debug level and the request logging
// settings at info level.
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")
	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}
		logging.Debug("  Registered routes (%d total):", len(routes))
		for _, r := range routes {
			logging.Debug("    %-6s %s", r.Method, r.Path)
		}
	}
	if logHealthChecks {
		logging.Info("  Health check logging: ON")
	} else {
		logging.Info("  Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
	logging.Info("")
}

// ServerInfo holds what the startup summary reports.
type ServerInfo struct {
	Port            string
	RangeProxyURL   string
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(info ServerInfo) {
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", info.StartupDuration.Round(time.Millisecond))
	logging.Info("  Thumbnails:      http://localhost:%s/api/thumbnail?url=", info.Port)
	logging.Info("  Metrics:         http://localhost:%s/metrics", info.Port)
	if info.RangeProxyURL != "" {
		logging.Info("  Range proxy:     %s/proxy?url=", info.RangeProxyURL)
	} else {
		logging.Info("  Range proxy:     DISABLED")
	}
	logging.Info("------------------------------------------------------------")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// ShutdownStep runs fn and logs its outcome under step.
func ShutdownStep(step string, fn func() error) {
	logging.Debug("  %s...", step)
	if err := fn(); err != nil {
		logging.Warn("  [FAILED] %s: %v", step, err)
		return
	}
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...any) {
	logging.Fatal(format, args...)
}
