package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"media-thumbnailer/internal/logging"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

const (
	taskPending int32 = iota
	taskRunning
	taskDone
	taskCancelled
)

// Task is a unit of work submitted to a Pool. It can be cancelled until a
// worker picks it up; once running it is only signalled through its context.
type Task struct {
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
}

// NewTask wraps fn. The context passed to fn is cancelled by Cancel.
func NewTask(fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{fn: fn, ctx: ctx, cancel: cancel}
}

// Cancel marks the task cancelled and reports whether it had not started yet.
// A running task keeps running but sees its context cancelled.
func (t *Task) Cancel() bool {
	t.cancel()
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}

// CancelIfPending cancels the task only if no worker has picked it up yet.
func (t *Task) CancelIfPending() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.cancel()
	return true
}

// Started reports whether a worker has begun executing the task.
func (t *Task) Started() bool {
	s := t.state.Load()
	return s == taskRunning || s == taskDone
}

func (t *Task) run() {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	defer func() {
		t.state.Store(taskDone)
		t.cancel()
	}()
	t.fn(t.ctx)
}

// Pool runs submitted tasks in FIFO order on a fixed number of goroutines.
// Submit never blocks; the backlog is unbounded.
type Pool struct {
	name    string
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Task
	closed  bool
	workers int
	gate    func()
}

// NewPool starts a pool with the given number of workers. gate, when non-nil,
// is called before each task runs and may block, e.g. under memory pressure.
func NewPool(name string, workers int, gate func()) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{name: name, workers: workers, gate: gate}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	logging.Debug("Started %s pool with %d workers", name, workers)
	return p
}

// Workers returns the configured concurrency.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit queues t for execution.
func (p *Pool) Submit(t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting work and cancels every queued task without
// waiting for running ones. It returns the tasks that never started.
func (p *Pool) Shutdown() []*Task {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	cancelled := pending[:0]
	for _, t := range pending {
		if t.Cancel() {
			cancelled = append(cancelled, t)
		}
	}
	logging.Debug("Shut down %s pool, cancelled %d queued tasks", p.name, len(cancelled))
	return cancelled
}

func (p *Pool) worker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if t.state.Load() != taskPending {
			continue
		}
		if p.gate != nil {
			p.gate()
		}
		t.run()
	}
}
