package filesystem

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.InitialBackoff != 50*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 50ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 500*time.Millisecond {
		t.Errorf("MaxBackoff = %v, want 500ms", config.MaxBackoff)
	}
}

func TestIsNFSStaleError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ESTALE error", syscall.ESTALE, true},
		{"wrapped ESTALE", &os.PathError{Op: "open", Path: "x", Err: syscall.ESTALE}, true},
		{"ENOENT error", syscall.ENOENT, false},
		{"generic error", os.ErrNotExist, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNFSStaleError(tt.err); got != tt.want {
				t.Errorf("isNFSStaleError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type countingObserver struct {
	attempts, successes, failures int
}

func (c *countingObserver) ObserveRetryAttempt(string) { c.attempts++ }
func (c *countingObserver) ObserveRetrySuccess(string) { c.successes++ }
func (c *countingObserver) ObserveRetryFailure(string) { c.failures++ }

func TestWithRetry(t *testing.T) {
	obs := &countingObserver{}
	SetObserver(obs)
	defer SetObserver(nil)

	config := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	t.Run("succeeds after stale errors", func(t *testing.T) {
		calls := 0
		got, err := withRetry("stat", "p", config, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, syscall.ESTALE
			}
			return 7, nil
		})
		if err != nil || got != 7 {
			t.Fatalf("withRetry = %d, %v; want 7, nil", got, err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
		if obs.successes != 1 || obs.attempts != 2 {
			t.Errorf("observer attempts=%d successes=%d, want 2 and 1", obs.attempts, obs.successes)
		}
	})

	t.Run("non-stale error fails immediately", func(t *testing.T) {
		calls := 0
		_, err := withRetry("open", "p", config, func() (int, error) {
			calls++
			return 0, os.ErrPermission
		})
		if !errors.Is(err, os.ErrPermission) {
			t.Fatalf("err = %v, want ErrPermission", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		_, err := withRetry("open", "p", config, func() (int, error) {
			calls++
			return 0, syscall.ESTALE
		})
		if !errors.Is(err, syscall.ESTALE) {
			t.Fatalf("err = %v, want ESTALE", err)
		}
		if calls != config.MaxRetries+1 {
			t.Errorf("calls = %d, want %d", calls, config.MaxRetries+1)
		}
		if obs.failures != 1 {
			t.Errorf("failures = %d, want 1", obs.failures)
		}
	})
}

func TestStatAndOpenWithRetry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thumb.png")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := StatWithRetry(path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("StatWithRetry failed: %v", err)
	}
	if info.Size() != 4 {
		t.Errorf("size = %d, want 4", info.Size())
	}

	f, err := OpenWithRetry(path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("OpenWithRetry failed: %v", err)
	}
	_ = f.Close()

	if _, err := StatWithRetry(filepath.Join(dir, "missing"), DefaultRetryConfig()); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	if Exists(path) {
		t.Error("Exists should be false before the file is written")
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists should be true for a regular file")
	}
	if Exists(dir) {
		t.Error("Exists should be false for a directory")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw", "abc.mp4")

	n, err := WriteFileAtomic(path, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Errorf("content = %q", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after success")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestWriteFileAtomicCleansUpOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.bin")

	if _, err := WriteFileAtomic(path, failingReader{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target should not exist after failure")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should be removed after failure")
	}
}
