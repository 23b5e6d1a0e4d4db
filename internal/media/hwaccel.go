package media

import (
	"context"
	"runtime"
	"strings"

	"media-thumbnailer/internal/logging"
)

// hwaccelPriority lists acceleration methods in order of preference.
var hwaccelPriority = []string{"cuda", "d3d11va", "dxva2", "vaapi", "qsv", "videotoolbox"}

// integratedGPUMarkers identify AMD APUs whose hwaccel paths are unreliable
// for single-frame seeks.
var integratedGPUMarkers = []string{
	"vega", "renoir", "cezanne", "barcelo", "rembrandt", "phoenix", "strix point", "radeon graphics",
}

var discreteGPUMarkers = []string{"nvidia", "geforce", "quadro"}

// detectHWAccel picks the first supported method from hwaccelPriority.
// Hosts with only an integrated AMD GPU skip the probe entirely.
func (p *Processor) detectHWAccel(ctx context.Context) string {
	if names := p.gpuNames(ctx); integratedOnly(names) {
		logging.Info("Integrated AMD GPU without a discrete GPU detected, hardware decoding disabled")
		return ""
	}

	out, err := p.runTool(ctx, "ffmpeg", "sw", p.config.ProbeTimeout, "-hide_banner", "-hwaccels")
	if err != nil {
		logging.Debug("hwaccel probe failed: %v", err)
		return ""
	}
	return pickHWAccel(parseHWAccels(string(out)))
}

// parseHWAccels reads the method list printed by ffmpeg -hwaccels.
func parseHWAccels(out string) map[string]bool {
	methods := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		methods[line] = true
	}
	return methods
}

func pickHWAccel(available map[string]bool) string {
	for _, m := range hwaccelPriority {
		if available[m] {
			return m
		}
	}
	return ""
}

// gpuNames lists display adapters using the platform's inventory tool.
func (p *Processor) gpuNames(ctx context.Context) []string {
	var name string
	var args []string
	switch runtime.GOOS {
	case "windows":
		name, args = "wmic", []string{"path", "win32_VideoController", "get", "name"}
	case "linux":
		name, args = "lspci", nil
	default:
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.ProbeTimeout)
	defer cancel()
	out, err := p.runner.Run(probeCtx, name, args...)
	if err != nil {
		return nil
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "name") {
			continue
		}
		if runtime.GOOS == "linux" && !isDisplayController(line) {
			continue
		}
		names = append(names, line)
	}
	return names
}

func isDisplayController(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "vga") || strings.Contains(l, "3d controller") || strings.Contains(l, "display controller")
}

// integratedOnly reports whether names include an AMD integrated GPU and no
// discrete NVIDIA adapter.
func integratedOnly(names []string) bool {
	var integrated, discrete bool
	for _, n := range names {
		l := strings.ToLower(n)
		for _, m := range discreteGPUMarkers {
			if strings.Contains(l, m) {
				discrete = true
			}
		}
		for _, m := range integratedGPUMarkers {
			if strings.Contains(l, m) {
				integrated = true
			}
		}
	}
	return integrated && !discrete
}
