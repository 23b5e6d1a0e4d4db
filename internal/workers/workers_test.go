package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCount(t *testing.T) {
	procs := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		want       int
	}{
		{"cpu bound no limit", 1.0, 0, procs},
		{"io bound no limit", 2.0, 0, procs * 2},
		{"limit caps", 2.0, 1, 1},
		{"tiny multiplier floors at one", 0.0001, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Count(tt.multiplier, tt.limit); got != tt.want {
				t.Errorf("Count(%v, %d) = %d, want %d", tt.multiplier, tt.limit, got, tt.want)
			}
		})
	}

	if ForCPU(0) != procs {
		t.Errorf("ForCPU(0) = %d, want %d", ForCPU(0), procs)
	}
	if ForIO(3) > 3 {
		t.Errorf("ForIO(3) = %d, want <= 3", ForIO(3))
	}
}

func TestPoolRunsTasksInOrder(t *testing.T) {
	p := NewPool("test", 1, nil)
	defer p.Shutdown()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		if err := p.Submit(NewTask(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool("bounded", 2, nil)
	defer p.Shutdown()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		_ = p.Submit(NewTask(func(context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestTaskCancelBeforeStart(t *testing.T) {
	p := NewPool("cancel", 1, nil)
	defer p.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(NewTask(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	var ran atomic.Bool
	queued := NewTask(func(context.Context) { ran.Store(true) })
	_ = p.Submit(queued)

	if !queued.Cancel() {
		t.Fatal("Cancel should report true for a task that has not started")
	}
	close(release)

	done := make(chan struct{})
	_ = p.Submit(NewTask(func(context.Context) { close(done) }))
	<-done

	if ran.Load() {
		t.Error("cancelled task should never run")
	}
	if queued.Started() {
		t.Error("cancelled task should not report started")
	}
}

func TestTaskCancelWhileRunningCancelsContext(t *testing.T) {
	p := NewPool("running", 1, nil)
	defer p.Shutdown()

	started := make(chan struct{})
	finished := make(chan error, 1)
	task := NewTask(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
	})
	_ = p.Submit(task)
	<-started

	if task.Cancel() {
		t.Error("Cancel should report false once the task is running")
	}
	select {
	case err := <-finished:
		if err == nil {
			t.Error("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("running task did not observe cancellation")
	}
}

func TestTaskCancelIfPendingLeavesRunningTaskAlone(t *testing.T) {
	p := NewPool("pending", 1, nil)
	defer p.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	task := NewTask(func(ctx context.Context) {
		close(started)
		<-release
		ctxErr <- ctx.Err()
	})
	_ = p.Submit(task)
	<-started

	if task.CancelIfPending() {
		t.Error("CancelIfPending should report false once the task is running")
	}
	close(release)
	if err := <-ctxErr; err != nil {
		t.Errorf("running task context was cancelled: %v", err)
	}

	idle := NewTask(func(context.Context) {})
	if !idle.CancelIfPending() {
		t.Error("CancelIfPending should cancel a task that never ran")
	}
}

func TestPoolShutdown(t *testing.T) {
	p := NewPool("shutdown", 1, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(NewTask(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	for i := 0; i < 3; i++ {
		_ = p.Submit(NewTask(func(context.Context) {}))
	}

	cancelled := p.Shutdown()
	if len(cancelled) != 3 {
		t.Errorf("Shutdown cancelled %d tasks, want 3", len(cancelled))
	}
	if err := p.Submit(NewTask(func(context.Context) {})); err != ErrPoolClosed {
		t.Errorf("Submit after shutdown = %v, want ErrPoolClosed", err)
	}
	if p.Shutdown() != nil {
		t.Error("second Shutdown should return nil")
	}
	close(release)
}

func TestPoolGate(t *testing.T) {
	var gated atomic.Int32
	p := NewPool("gated", 1, func() { gated.Add(1) })
	defer p.Shutdown()

	done := make(chan struct{})
	_ = p.Submit(NewTask(func(context.Context) { close(done) }))
	<-done

	if gated.Load() != 1 {
		t.Errorf("gate called %d times, want 1", gated.Load())
	}
}
