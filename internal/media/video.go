package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"strconv"
	"strings"

	"media-thumbnailer/internal/logging"
)

const (
	maxCandidates      = 3
	candidateMinGap    = 0.25
	durationTailMargin = 0.05
	keyframeLookahead  = 5
	scoreLongestSide   = 256
)

// GenerateVideoThumbnail picks the best-looking of a few candidate
// timestamps, aligns it to the next keyframe, and extracts the final frame
// at the requested size.
func (p *Processor) GenerateVideoThumbnail(ctx context.Context, path string, size Size, timestamp float64) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	duration, known := p.probeDuration(ctx, path)
	candidates := candidateTimestamps(timestamp, duration, known)

	best := max(timestamp, 0)
	bestScore := math.Inf(-1)
	small := scoreSize(size)
	for _, ts := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		frame, err := p.extractFrame(ctx, path, ts, small)
		if err != nil {
			logging.Debug("Candidate frame at %.2fs failed for %s: %v", ts, displayName(path), err)
			continue
		}
		if s := ScoreFrame(frame); s > bestScore {
			best, bestScore = ts, s
		}
	}

	target := best
	if kf, ok := p.nextKeyframe(ctx, path, target); ok {
		target = kf
	}

	img, err := p.extractFrame(ctx, path, target, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %.2fs: %v", ErrDecode, displayName(path), target, err)
	}
	return img, nil
}

// candidateTimestamps returns up to three distinct seek points: the caller's
// preference, then 10%, 60% and 80% of the duration, or 0.5s when the
// duration is unknown. Points within 0.25s of an earlier one are dropped.
func candidateTimestamps(preferred, duration float64, known bool) []float64 {
	var out []float64
	add := func(t float64) {
		t = max(t, 0)
		if known {
			t = min(t, max(duration-durationTailMargin, 0))
		}
		for _, c := range out {
			if math.Abs(t-c) < candidateMinGap {
				return
			}
		}
		out = append(out, t)
	}

	add(preferred)
	if known {
		for _, frac := range []float64{0.1, 0.6, 0.8} {
			add(duration * frac)
		}
	} else {
		add(0.5)
	}

	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	if len(out) == 0 {
		out = []float64{0}
	}
	return out
}

// scoreSize caps the longest side at 256px for cheap candidate scoring.
func scoreSize(size Size) Size {
	if !size.Valid() {
		return Size{Width: scoreLongestSide, Height: scoreLongestSide}
	}
	longest := max(size.Width, size.Height)
	if longest <= scoreLongestSide {
		return size
	}
	scale := float64(scoreLongestSide) / float64(longest)
	return Size{
		Width:  max(1, int(float64(size.Width)*scale)),
		Height: max(1, int(float64(size.Height)*scale)),
	}
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probeDuration asks ffprobe for the container duration. Failure means
// "unknown", never an error.
func (p *Processor) probeDuration(ctx context.Context, src string) (float64, bool) {
	out, err := p.runTool(ctx, "ffprobe", "sw", p.config.ProbeTimeout,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration",
		"-print_format", "json",
		src,
	)
	if err != nil {
		logging.Debug("Duration probe failed for %s: %v", displayName(src), err)
		return 0, false
	}

	var probe ffprobeFormat
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	if err != nil || d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}

// nextKeyframe returns the first keyframe at or after ts within a 5 second
// window.
func (p *Processor) nextKeyframe(ctx context.Context, src string, ts float64) (float64, bool) {
	out, err := p.runTool(ctx, "ffprobe", "sw", p.config.ProbeTimeout,
		"-v", "error",
		"-select_streams", "v:0",
		"-skip_frame", "nokey",
		"-read_intervals", fmt.Sprintf("%.3f%%+%d", ts, keyframeLookahead),
		"-show_entries", "frame=pkt_pts_time,best_effort_timestamp_time",
		"-of", "csv=p=0",
		src,
	)
	if err != nil {
		logging.Debug("Keyframe probe failed for %s: %v", displayName(src), err)
		return 0, false
	}
	return parseKeyframe(string(out), ts)
}

func parseKeyframe(out string, ts float64) (float64, bool) {
	for _, line := range strings.Split(out, "\n") {
		for _, field := range strings.Split(line, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				continue
			}
			if v >= ts {
				return v, true
			}
		}
	}
	return 0, false
}

// extractFrame grabs one PNG frame, trying hardware decoding first and
// silently falling back to software.
func (p *Processor) extractFrame(ctx context.Context, src string, ts float64, size Size) (image.Image, error) {
	if p.hwaccel != "" {
		img, err := p.runFrame(ctx, src, ts, size, p.hwaccel)
		if err == nil {
			return img, nil
		}
		logging.Debug("hwaccel %s frame extraction failed for %s, using software: %v", p.hwaccel, displayName(src), err)
	}
	return p.runFrame(ctx, src, ts, size, "")
}

func (p *Processor) runFrame(ctx context.Context, src string, ts float64, size Size, hwaccel string) (image.Image, error) {
	accel := "sw"
	if hwaccel != "" {
		accel = "hw"
	}
	out, err := p.runTool(ctx, "ffmpeg", accel, p.config.ExtractTimeout, frameArgs(src, ts, size, hwaccel)...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output")
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

func frameArgs(src string, ts float64, size Size, hwaccel string) []string {
	var args []string
	if hwaccel != "" {
		args = append(args, "-hwaccel", hwaccel)
	}
	args = append(args,
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
	)
	if size.Valid() {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", size.Width, size.Height))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "png", "-")
}
