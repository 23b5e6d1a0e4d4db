package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeRunner answers ffprobe and ffmpeg invocations from canned data.
type fakeRunner struct {
	mu        sync.Mutex
	duration  string
	keyframes string
	hwaccels  string
	failHW    bool
	frameAt   func(ts float64) image.Image
	calls     [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	joined := strings.Join(args, " ")
	switch name {
	case "ffprobe":
		if strings.Contains(joined, "format=duration") {
			if f.duration == "" {
				return nil, errors.New("no duration")
			}
			return []byte(fmt.Sprintf(`{"format":{"duration":%q}}`, f.duration)), nil
		}
		if strings.Contains(joined, "-skip_frame") {
			if f.keyframes == "" {
				return nil, errors.New("no keyframes")
			}
			return []byte(f.keyframes), nil
		}
	case "ffmpeg":
		if strings.Contains(joined, "-hwaccels") {
			return []byte(f.hwaccels), nil
		}
		if f.failHW && strings.Contains(joined, "-hwaccel ") {
			return nil, errors.New("hw decode failed")
		}
		ts := 0.0
		for i, a := range args {
			if a == "-ss" && i+1 < len(args) {
				ts, _ = strconv.ParseFloat(args[i+1], 64)
			}
		}
		if f.frameAt == nil {
			return nil, errors.New("no frame")
		}
		img := f.frameAt(ts)
		if img == nil {
			return nil, errors.New("no frame at timestamp")
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func (f *fakeRunner) ffmpegSeeks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var seeks []string
	for _, c := range f.calls {
		if c[0] != "ffmpeg" {
			continue
		}
		for i, a := range c {
			if a == "-ss" {
				seeks = append(seeks, c[i+1])
			}
		}
	}
	return seeks
}

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*7 + y*13) % 256)
			img.Set(x, y, color.NRGBA{R: v, G: 255 - v, B: uint8(x % 256), A: 255})
		}
	}
	return img
}

func newTestProcessor(r CommandRunner) *Processor {
	return NewProcessor(context.Background(), ProcessorConfig{
		HWAccel: "none",
		UseVips: false,
		Runner:  r,
	})
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCandidateTimestamps(t *testing.T) {
	tests := []struct {
		name      string
		preferred float64
		duration  float64
		known     bool
		want      []float64
	}{
		{"unknown duration", 1.0, 0, false, []float64{1.0, 0.5}},
		{"unknown duration near fallback", 0.6, 0, false, []float64{0.6}},
		{"negative preferred clamps", -3, 0, false, []float64{0, 0.5}},
		{"known duration caps at three", 1.0, 100, true, []float64{1.0, 10, 60}},
		{"dedupes close candidates", 10.1, 100, true, []float64{10.1, 60, 80}},
		{"clamps to duration", 50, 2, true, []float64{1.95, 0.2, 1.2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidateTimestamps(tt.preferred, tt.duration, tt.known)
			if len(got) != len(tt.want) {
				t.Fatalf("candidateTimestamps = %v, want %v", got, tt.want)
			}
			for i := range got {
				if diff := got[i] - tt.want[i]; diff > 1e-9 || diff < -1e-9 {
					t.Fatalf("candidateTimestamps = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestScoreSize(t *testing.T) {
	tests := []struct {
		in, want Size
	}{
		{Size{128, 96}, Size{128, 96}},
		{Size{512, 256}, Size{256, 128}},
		{Size{512, 1024}, Size{128, 256}},
		{Size{0, 0}, Size{256, 256}},
	}
	for _, tt := range tests {
		if got := scoreSize(tt.in); got != tt.want {
			t.Errorf("scoreSize(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseKeyframe(t *testing.T) {
	out := "N/A,0.000000\n4.004000,4.004000\n8.008000,8.008000\n"
	got, ok := parseKeyframe(out, 3.5)
	if !ok || got != 4.004 {
		t.Errorf("parseKeyframe = %v, %v; want 4.004, true", got, ok)
	}
	if _, ok := parseKeyframe("N/A\n", 1); ok {
		t.Error("parseKeyframe should fail without numeric values")
	}
}

func TestFrameArgs(t *testing.T) {
	args := frameArgs("/v.mp4", 1.5, Size{320, 240}, "cuda")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-hwaccel cuda -loglevel error -ss 1.500 -i /v.mp4 -frames:v 1",
		"-vf scale=320:240:force_original_aspect_ratio=decrease",
		"-f image2pipe -vcodec png -",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("frameArgs missing %q in %q", want, joined)
		}
	}

	noScale := strings.Join(frameArgs("/v.mp4", 0, Size{}, ""), " ")
	if strings.Contains(noScale, "-vf") || strings.Contains(noScale, "-hwaccel") {
		t.Errorf("unexpected flags in %q", noScale)
	}
}

func TestGenerateVideoThumbnailPicksNonBlackFrame(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, dir, "clip.mp4")

	runner := &fakeRunner{
		duration:  "100.0",
		keyframes: "60.500000,60.500000\n",
		frameAt: func(ts float64) image.Image {
			if ts > 59 && ts < 61 {
				return gradientImage(64, 36)
			}
			return solidImage(64, 36, color.Black)
		},
	}
	p := newTestProcessor(runner)

	img, err := p.GenerateVideoThumbnail(context.Background(), path, Size{320, 180}, 1.0)
	if err != nil {
		t.Fatalf("GenerateVideoThumbnail failed: %v", err)
	}
	if img == nil {
		t.Fatal("expected an image")
	}

	seeks := runner.ffmpegSeeks()
	if len(seeks) != 4 {
		t.Fatalf("expected 3 candidate extractions plus final, got %v", seeks)
	}
	if seeks[3] != "60.500" {
		t.Errorf("final extraction should be keyframe aligned at 60.500, got %s", seeks[3])
	}
}

func TestGenerateVideoThumbnailFallsBackWhenNoCandidateDecodes(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, dir, "clip.webm")

	calls := 0
	runner := &fakeRunner{
		frameAt: func(ts float64) image.Image {
			calls++
			if calls <= 2 {
				return nil
			}
			return gradientImage(8, 8)
		},
	}
	p := newTestProcessor(runner)

	if _, err := p.GenerateVideoThumbnail(context.Background(), path, Size{64, 64}, 2.0); err != nil {
		t.Fatalf("GenerateVideoThumbnail failed: %v", err)
	}
	seeks := runner.ffmpegSeeks()
	if last := seeks[len(seeks)-1]; last != "2.000" {
		t.Errorf("final seek = %s, want the caller timestamp 2.000", last)
	}
}

func TestGenerateVideoThumbnailDecodeError(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, dir, "broken.mkv")

	p := newTestProcessor(&fakeRunner{})
	_, err := p.GenerateVideoThumbnail(context.Background(), path, Size{64, 64}, 1.0)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestHWAccelFallsBackToSoftware(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, dir, "clip.mov")

	runner := &fakeRunner{
		failHW:  true,
		frameAt: func(float64) image.Image { return gradientImage(16, 16) },
	}
	p := NewProcessor(context.Background(), ProcessorConfig{HWAccel: "vaapi", Runner: runner})
	if p.HWAccel() != "vaapi" {
		t.Fatalf("HWAccel = %q, want vaapi", p.HWAccel())
	}

	if _, err := p.GenerateVideoThumbnail(context.Background(), path, Size{32, 32}, 0); err != nil {
		t.Fatalf("expected silent software fallback, got %v", err)
	}
}

func TestGenerateThumbnailDispatch(t *testing.T) {
	dir := t.TempDir()

	imgPath := filepath.Join(dir, "photo.png")
	f, err := os.Create(imgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, gradientImage(400, 200)); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	runner := &fakeRunner{frameAt: func(float64) image.Image { return gradientImage(10, 10) }}
	p := newTestProcessor(runner)

	img, err := p.GenerateThumbnail(context.Background(), imgPath, Size{256, 256}, 1.0)
	if err != nil {
		t.Fatalf("image thumbnail failed: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 128 {
		t.Errorf("image thumbnail = %dx%d, want 256x128", b.Dx(), b.Dy())
	}
	if len(runner.ffmpegSeeks()) != 0 {
		t.Error("image path should not invoke ffmpeg")
	}

	full, err := p.GenerateImageThumbnail(context.Background(), imgPath, Size{0, 100})
	if err != nil {
		t.Fatal(err)
	}
	if b := full.Bounds(); b.Dx() != 400 || b.Dy() != 200 {
		t.Errorf("unresized decode = %dx%d, want 400x200", b.Dx(), b.Dy())
	}

	vidPath := touch(t, dir, "clip.mp4")
	if _, err := p.GenerateThumbnail(context.Background(), vidPath, Size{64, 64}, 1.0); err != nil {
		t.Fatalf("video dispatch failed: %v", err)
	}
	if len(runner.ffmpegSeeks()) == 0 {
		t.Error("video path should invoke ffmpeg")
	}

	_, err = p.GenerateThumbnail(context.Background(), filepath.Join(dir, "missing.jpg"), Size{64, 64}, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file err = %v, want ErrNotFound", err)
	}
}

func TestGenerateVideoThumbnailFromURLSkipsScoring(t *testing.T) {
	runner := &fakeRunner{
		duration:  "100",
		keyframes: "3.0\n",
		frameAt:   func(float64) image.Image { return gradientImage(8, 8) },
	}
	p := newTestProcessor(runner)

	if _, err := p.GenerateVideoThumbnailFromURL(context.Background(), "http://example.com/v.mp4", Size{64, 64}, 2.5); err != nil {
		t.Fatal(err)
	}
	seeks := runner.ffmpegSeeks()
	if len(seeks) != 1 || seeks[0] != "3.000" {
		t.Errorf("seeks = %v, want a single keyframe-aligned extraction", seeks)
	}
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		w, h   int
		size   Size
		ww, wh int
	}{
		{400, 200, Size{256, 256}, 256, 128},
		{200, 400, Size{256, 256}, 128, 256},
		{100, 50, Size{256, 256}, 256, 128},
		{1920, 1080, Size{320, 180}, 320, 180},
		{10, 10, Size{0, 5}, 10, 10},
	}
	for _, tt := range tests {
		gw, gh := FitDimensions(tt.w, tt.h, tt.size)
		if gw != tt.ww || gh != tt.wh {
			t.Errorf("FitDimensions(%d,%d,%v) = %dx%d, want %dx%d", tt.w, tt.h, tt.size, gw, gh, tt.ww, tt.wh)
		}
	}
}

func TestShrinkToFitNeverEnlarges(t *testing.T) {
	small := gradientImage(100, 50)
	if got := ShrinkToFit(small, Size{256, 256}); got.Bounds().Dx() != 100 {
		t.Errorf("ShrinkToFit enlarged to %d wide", got.Bounds().Dx())
	}
	big := gradientImage(512, 256)
	got := ShrinkToFit(big, Size{256, 256})
	if b := got.Bounds(); b.Dx() != 256 || b.Dy() != 128 {
		t.Errorf("ShrinkToFit = %dx%d, want 256x128", b.Dx(), b.Dy())
	}
}
