package memory

import (
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"
)

func keepMemoryLimit(t *testing.T) {
	t.Helper()
	prev := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(prev) })
}

func TestSetHeapLimit(t *testing.T) {
	tests := []struct {
		name      string
		container int64
		ratio     float64
		source    string
		heap      int64
		wantRatio float64
	}{
		{"no limit", 0, 0.5, "none", 0, 0},
		{"default ratio", 1000 << 20, 0, "MEMORY_LIMIT", int64(float64(1000<<20) * DefaultRatio), DefaultRatio},
		{"custom ratio", 1000 << 20, 0.5, "MEMORY_LIMIT", 500 << 20, 0.5},
		{"ratio out of range", 1000 << 20, 1.5, "MEMORY_LIMIT", int64(float64(1000<<20) * DefaultRatio), DefaultRatio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keepMemoryLimit(t)
			t.Setenv("GOMEMLIMIT", "")

			b := SetHeapLimit(tt.container, tt.ratio)
			if b.Source != tt.source {
				t.Errorf("Source = %q, want %q", b.Source, tt.source)
			}
			if b.HeapLimit != tt.heap {
				t.Errorf("HeapLimit = %d, want %d", b.HeapLimit, tt.heap)
			}
			if b.Ratio != tt.wantRatio {
				t.Errorf("Ratio = %v, want %v", b.Ratio, tt.wantRatio)
			}
			if tt.heap > 0 {
				if got := debug.SetMemoryLimit(-1); got != tt.heap {
					t.Errorf("runtime limit = %d, want %d", got, tt.heap)
				}
			}
		})
	}
}

func TestSetHeapLimitRespectsGOMEMLIMIT(t *testing.T) {
	keepMemoryLimit(t)
	t.Setenv("GOMEMLIMIT", "512MiB")
	debug.SetMemoryLimit(512 << 20)

	b := SetHeapLimit(4<<30, 0.5)
	if b.Source != "GOMEMLIMIT" {
		t.Errorf("Source = %q, want GOMEMLIMIT", b.Source)
	}
	if b.HeapLimit != 512<<20 {
		t.Errorf("HeapLimit = %d, want %d", b.HeapLimit, 512<<20)
	}
	if got := debug.SetMemoryLimit(-1); got != 512<<20 {
		t.Errorf("runtime limit changed to %d", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newFakeGate(limit int64) (*Gate, *atomic.Uint64) {
	var alloc atomic.Uint64
	g := NewGate(DefaultGateConfig(limit))
	g.read = alloc.Load
	return g, &alloc
}

func TestGateHysteresis(t *testing.T) {
	g, alloc := newFakeGate(1000)
	defer g.Stop()

	steps := []struct {
		alloc  uint64
		paused bool
	}{
		{500, false},
		{849, false},
		{850, true},
		{750, true}, // between marks stays closed
		{699, false},
		{800, false}, // between marks stays open
	}
	for _, s := range steps {
		alloc.Store(s.alloc)
		g.sample()
		if g.Paused() != s.paused {
			t.Fatalf("alloc=%d: paused = %v, want %v", s.alloc, g.Paused(), s.paused)
		}
	}
	if a, limit := g.Usage(); a != 800 || limit != 1000 {
		t.Errorf("Usage = %d/%d", a, limit)
	}
}

func TestGateWaitBlocksUntilReopened(t *testing.T) {
	g, alloc := newFakeGate(1000)
	defer g.Stop()

	alloc.Store(900)
	g.sample()

	released := make(chan struct{})
	go func() {
		g.Wait()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Wait returned while gate is closed")
	case <-time.After(50 * time.Millisecond):
	}

	alloc.Store(100)
	g.sample()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after gate reopened")
	}
}

func TestGateStopReleasesWaiters(t *testing.T) {
	g, alloc := newFakeGate(1000)
	alloc.Store(999)
	g.sample()

	released := make(chan struct{})
	go func() {
		g.Wait()
		close(released)
	}()
	g.Stop()
	g.Stop()

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not release waiter")
	}
}

func TestGateWithoutLimitNeverCloses(t *testing.T) {
	g := NewGate(GateConfig{})
	g.Start()
	defer g.Stop()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a gate without limit")
	}
	if g.Paused() {
		t.Error("gate without limit reports paused")
	}
}

func TestGateSamplesInBackground(t *testing.T) {
	var alloc atomic.Uint64
	alloc.Store(990)
	g := NewGate(GateConfig{Limit: 1000, HighWater: 0.7, CriticalWater: 0.85, Interval: 5 * time.Millisecond})
	g.read = alloc.Load
	g.Start()
	defer g.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !g.Paused() {
		if time.Now().After(deadline) {
			t.Fatal("background sampling never closed the gate")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
