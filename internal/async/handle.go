package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Status describes where a background task is in its lifecycle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type outcome[T any] struct {
	value T
	err   error
}

// Handle is the control surface for one background task: await,
// cancel, poll. The result is delivered once over an internal channel
// and cached on the handle, so every Await caller sees the same outcome.
type Handle[T any] struct {
	kind   string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	value    T
	err      error
	finished time.Time
}

func newHandle[T any](kind string, cancel context.CancelFunc) *Handle[T] {
	return &Handle[T]{
		kind:   kind,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusRunning,
	}
}

// Kind reports the task kind the handle was launched under.
func (h *Handle[T]) Kind() string { return h.kind }

// Poll reports the current status without blocking.
func (h *Handle[T]) Poll() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Done is closed once the task reaches a terminal state.
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Cancel requests cooperative cancellation. The handle settles as
// cancelled right away; the underlying work is not waited for.
func (h *Handle[T]) Cancel() {
	h.cancel()
}

// Await blocks until the task settles or ctx is done.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (h *Handle[T]) complete(value T, err error) {
	h.mu.Lock()
	if h.status != StatusRunning {
		h.mu.Unlock()
		return
	}
	h.value = value
	h.err = err
	switch {
	case err == nil:
		h.status = StatusDone
	case errors.Is(err, context.Canceled):
		h.status = StatusCancelled
	default:
		h.status = StatusFailed
	}
	h.finished = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle[T]) finishedAt() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusRunning {
		return time.Time{}, false
	}
	return h.finished, true
}

// Launch starts fn under the manager and returns its handle. A panic
// inside fn settles the handle as failed instead of crashing the
// process. Once the handle's context is cancelled the result collector
// stops listening, so a slow provider cannot delay cancellation.
func Launch[T any](m *Manager, ctx context.Context, kind string, fn func(context.Context) (T, error)) *Handle[T] {
	runCtx, cancel := context.WithCancel(ctx)
	h := newHandle[T](kind, cancel)
	m.register(h)

	results := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("async task panic [%s]: %v, stack: %s", kind, r, debug.Stack())
				results <- outcome[T]{err: fmt.Errorf("%s panicked: %v", kind, r)}
			}
		}()
		value, err := fn(runCtx)
		results <- outcome[T]{value: value, err: err}
	}()

	go func() {
		defer cancel()
		select {
		case out := <-results:
			h.complete(out.value, out.err)
		case <-runCtx.Done():
			var zero T
			h.complete(zero, runCtx.Err())
		}
	}()
	return h
}
