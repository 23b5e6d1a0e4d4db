package thumbnails

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"media-thumbnailer/internal/media"
)

// State is the lifecycle position of a Handle.
type State int

const (
	StatePending State = iota
	StateDelivered
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Handle tracks one caller's request. It reaches exactly one terminal state.
// Completion callbacks run for delivered and failed handles; a cancelled
// handle only closes Done.
type Handle struct {
	id  string
	key string
	m   *Manager

	mu        sync.Mutex
	state     State
	result    Result
	err       error
	callbacks []func(Result, error)
	done      chan struct{}
}

func newHandle(m *Manager, key string) *Handle {
	return &Handle{
		id:   uuid.NewString(),
		key:  key,
		m:    m,
		done: make(chan struct{}),
	}
}

// ID is a unique identifier for log correlation.
func (h *Handle) ID() string { return h.id }

// Key is the cache key of the request.
func (h *Handle) Key() string { return h.key }

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Wait blocks until the handle completes or ctx ends. Waiting does not
// cancel the request when ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// OnComplete registers fn to run once with the outcome. If the handle has
// already been delivered or failed, fn runs immediately.
func (h *Handle) OnComplete(fn func(Result, error)) {
	h.mu.Lock()
	switch h.state {
	case StatePending:
		h.callbacks = append(h.callbacks, fn)
		h.mu.Unlock()
		return
	case StateCancelled:
		h.mu.Unlock()
		return
	}
	res, err := h.result, h.err
	h.mu.Unlock()
	fn(res, err)
}

// Cancel abandons the request. The shared generation task is cancelled
// when no other handle still waits on it; a task that already started runs
// on and its result is discarded.
func (h *Handle) Cancel() {
	if !h.finish(StateCancelled, Result{}, media.ErrCancelled) {
		return
	}
	if h.m != nil {
		h.m.detach(h)
	}
}

func (h *Handle) deliver(res Result) bool {
	return h.finish(StateDelivered, res, nil)
}

func (h *Handle) fail(err error) bool {
	return h.finish(StateFailed, Result{}, err)
}

// finish moves the handle to a terminal state once. Callbacks run outside
// the lock.
func (h *Handle) finish(state State, res Result, err error) bool {
	h.mu.Lock()
	if h.state != StatePending {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.result = res
	h.err = err
	callbacks := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	if state == StateCancelled {
		return true
	}
	for _, fn := range callbacks {
		fn(res, err)
	}
	return true
}
