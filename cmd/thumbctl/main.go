package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"media-thumbnailer/internal/config"
	"media-thumbnailer/internal/filesystem"
	"media-thumbnailer/internal/media"
	"media-thumbnailer/internal/mediacache"
	"media-thumbnailer/internal/store"
	"media-thumbnailer/internal/thumbnails"
)

const defaultTimeout = 30 * time.Second

// settingKeys lists the keys "settings set" accepts.
var settingKeys = []string{
	config.SettingVideoMaxMB,
	config.SettingVideoNonFaststartMaxMB,
	config.SettingVideoRetries,
	config.SettingVideoRetryDelayMS,
	config.SettingEnableRangeProxy,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	db, err := store.New(ctx, cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: Failed to open database: %v\n", err)
		fmt.Fprintf(stderr, "Make sure CACHE_DIR or DATABASE_PATH is set correctly (current: %s)\n", cfg.DatabasePath)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to close database: %v\n", err)
		}
	}()

	out := newPrinter(stdout)
	switch args[0] {
	case "generate":
		err = generate(ctx, cfg, db, args[1:], out)
	case "settings":
		err = settings(ctx, db, args[1:], out)
	case "oversized":
		err = oversized(ctx, db, args[1:], out)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", sanitizeCommand(args[0]))
		printUsage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// sanitizeCommand returns a safe representation of a command string for
// display. Anything outside [a-zA-Z0-9_-] becomes '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Media Thumbnailer CLI")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: thumbctl <command> [flags] [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  generate [-w N] [-h N] [-type image|video] [-out DIR] <url-or-path>...")
	fmt.Fprintln(w, "  settings get [key] | set <key> <value> | unset <key>")
	fmt.Fprintln(w, "  oversized clear [-older DURATION]")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Setting keys: %s\n", strings.Join(settingKeys, ", "))
}

// generateResult is one line of generate output.
type generateResult struct {
	Input  string `json:"input"`
	Key    string `json:"key,omitempty"`
	Path   string `json:"path,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Error  string `json:"error,omitempty"`
}

func generate(ctx context.Context, cfg *config.Config, db *store.Store, args []string, out *printer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	width := fs.Int("w", 256, "thumbnail width")
	height := fs.Int("h", 256, "thumbnail height")
	kind := fs.String("type", "", "media type: image or video (default: from the extension)")
	outDir := fs.String("out", "", "directory to copy PNGs into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	size := media.Size{Width: *width, Height: *height}
	if !size.Valid() {
		return fmt.Errorf("invalid size %s", size)
	}
	if fs.NArg() == 0 {
		return errors.New("generate needs at least one url or path")
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return err
		}
	}

	processor := media.NewProcessor(ctx, media.ProcessorConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		HWAccel:     cfg.HWAccel,
	})
	opts := mediacache.DefaultOptions()
	opts.CacheDir = cfg.CacheDir
	opts.Store = db
	opts.Processor = processor
	opts.AllowFullVideoDownload = cfg.AllowFullVideoDownload
	opts.Video = cfg.VideoConfig()
	opts.PartialMaxBytes = cfg.PartialMaxBytes
	opts.HashSearchBase = cfg.HashSearchBase
	mc, err := mediacache.New(opts)
	if err != nil {
		return err
	}
	thumbs, err := thumbnails.New(thumbnails.Config{
		CacheDir:       cfg.ThumbnailDir,
		ImageWorkers:   cfg.ImageWorkers,
		VideoWorkers:   cfg.VideoWorkers,
		RequestTimeout: cfg.RequestTimeout,
		VideoTimeout:   cfg.VideoTimeout,
	}, mc, mc)
	if err != nil {
		return err
	}
	defer thumbs.Shutdown()

	handles := make([]*thumbnails.Handle, fs.NArg())
	for i, input := range fs.Args() {
		handles[i] = thumbs.Request(thumbnails.Request{Ref: refFor(input, media.Kind(*kind)), Size: size})
	}

	failed := 0
	out.header("INPUT", "KEY", "SIZE", "PATH", "ERROR")
	for i, h := range handles {
		r := generateResult{Input: fs.Arg(i), Key: h.Key()}
		res, err := h.Wait(ctx)
		if err == nil && *outDir != "" {
			res.Path, err = copyInto(*outDir, res.Path)
		}
		if err != nil {
			failed++
			r.Error = err.Error()
		} else {
			r.Path = res.Path
			r.Width, r.Height = res.Image.Bounds().Dx(), res.Image.Bounds().Dy()
		}
		out.row(r, r.Input, r.Key, fmt.Sprintf("%dx%d", r.Width, r.Height), r.Path, r.Error)
	}
	out.flush()
	if failed > 0 {
		return fmt.Errorf("%d of %d thumbnails failed", failed, len(handles))
	}
	return nil
}

// refFor treats http(s) inputs as remote URLs and everything else as a
// local path.
func refFor(input string, kind media.Kind) media.Ref {
	if media.IsHTTPURL(input) {
		if kind != "" {
			return media.Remote{URL: input, Kind: kind}
		}
		return media.RawURL(input)
	}
	if abs, err := filepath.Abs(input); err == nil {
		input = abs
	}
	if kind != "" {
		return media.Remote{LocalPath: input, Kind: kind, ID: filepath.Base(input)}
	}
	return media.Path(input)
}

func copyInto(dir, src string) (string, error) {
	f, err := filesystem.OpenWithRetry(src, filesystem.DefaultRetryConfig())
	if err != nil {
		return "", err
	}
	defer f.Close()
	dst := filepath.Join(dir, filepath.Base(src))
	if _, err := filesystem.WriteFileAtomic(dst, f); err != nil {
		return "", err
	}
	return dst, nil
}

type settingRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

func settings(ctx context.Context, db *store.Store, args []string, out *printer) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if len(args) == 0 {
		args = []string{"get"}
	}

	switch args[0] {
	case "get":
		keys := settingKeys
		if len(args) > 1 {
			keys = args[1:]
		}
		out.header("KEY", "VALUE")
		for _, k := range keys {
			v, ok, err := db.GetSetting(ctx, k)
			if err != nil {
				return err
			}
			display := v
			if !ok {
				display = "(unset)"
			}
			out.row(settingRow{Key: k, Value: v, Set: ok}, k, display)
		}
		out.flush()
		return nil
	case "set":
		if len(args) != 3 {
			return errors.New("usage: settings set <key> <value>")
		}
		if err := validSettingKey(args[1]); err != nil {
			return err
		}
		if err := db.SetSetting(ctx, args[1], args[2]); err != nil {
			return err
		}
		out.message("%s=%s", args[1], args[2])
		return nil
	case "unset":
		if len(args) != 2 {
			return errors.New("usage: settings unset <key>")
		}
		if err := validSettingKey(args[1]); err != nil {
			return err
		}
		if err := db.DeleteSetting(ctx, args[1]); err != nil {
			return err
		}
		out.message("%s unset", args[1])
		return nil
	default:
		return fmt.Errorf("unknown settings command %q", sanitizeCommand(args[0]))
	}
}

func validSettingKey(key string) error {
	if !slices.Contains(settingKeys, key) {
		return fmt.Errorf("unknown setting %q (known: %s)", sanitizeCommand(key), strings.Join(settingKeys, ", "))
	}
	return nil
}

func oversized(ctx context.Context, db *store.Store, args []string, out *printer) error {
	if len(args) == 0 || args[0] != "clear" {
		return errors.New("usage: oversized clear [-older DURATION]")
	}
	fs := flag.NewFlagSet("oversized clear", flag.ContinueOnError)
	older := fs.Duration("older", 30*24*time.Hour, "clear flags older than this")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	n, err := db.ClearOldOversizedFlags(ctx, *older)
	if err != nil {
		return err
	}
	out.message("cleared %d oversized flags", n)
	return nil
}

// printer writes aligned columns to a terminal and JSON lines elsewhere.
type printer struct {
	w     io.Writer
	table *tabwriter.Writer
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.table = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	}
	return p
}

func (p *printer) header(cols ...string) {
	if p.table != nil {
		fmt.Fprintln(p.table, strings.Join(cols, "\t"))
	}
}

// row prints cols as a table row or v as a JSON line.
func (p *printer) row(v any, cols ...string) {
	if p.table != nil {
		fmt.Fprintln(p.table, strings.Join(cols, "\t"))
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(p.w, "{\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(p.w, string(line))
}

func (p *printer) message(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.table != nil {
		fmt.Fprintln(p.w, msg)
		return
	}
	line, _ := json.Marshal(map[string]string{"message": msg})
	fmt.Fprintln(p.w, string(line))
}

func (p *printer) flush() {
	if p.table != nil {
		p.table.Flush()
	}
}
