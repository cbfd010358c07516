// Package lazy provides process-wide handles to expensive resources that are
// initialized on first use, at most once successfully.
package lazy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the lifecycle position of a Handle.
type State int32

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// InitFunc builds the resource behind a handle.
type InitFunc[T any] func(ctx context.Context) (T, error)

// Observer is notified after each initialization attempt.
type Observer func(name string, err error)

// Handle guards a lazily built resource. Once Ready, Get is a single atomic
// load. While an initialization is running, other callers wait for it; a
// failed attempt is reported to those waiters and is not cached, so the next
// call starts a fresh attempt.
type Handle[T any] struct {
	name     string
	init     InitFunc[T]
	observer Observer

	ready atomic.Pointer[T]

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	attempt uint64
	lastErr error
}

// New creates an Unloaded handle.
func New[T any](name string, init InitFunc[T]) *Handle[T] {
	h := &Handle[T]{name: name, init: init}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Observe registers a callback run after every initialization attempt.
func (h *Handle[T]) Observe(fn Observer) *Handle[T] {
	h.observer = fn
	return h
}

// Name returns the handle's name.
func (h *Handle[T]) Name() string {
	return h.name
}

// State reports the current lifecycle state.
func (h *Handle[T]) State() State {
	if h.ready.Load() != nil {
		return Ready
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Get returns the resource, initializing it if needed.
func (h *Handle[T]) Get(ctx context.Context) (T, error) {
	if v := h.ready.Load(); v != nil {
		return *v, nil
	}

	h.mu.Lock()
	if h.state == Loading {
		waitingOn := h.attempt
		for h.attempt == waitingOn {
			h.cond.Wait()
		}
		switch h.state {
		case Failed:
			err := h.lastErr
			h.mu.Unlock()
			var zero T
			return zero, err
		case Loading:
			// a newer attempt started before we woke up; join it
			h.mu.Unlock()
			return h.Get(ctx)
		}
	}
	if h.state == Ready {
		v := h.ready.Load()
		h.mu.Unlock()
		return *v, nil
	}

	h.state = Loading
	h.mu.Unlock()

	return h.load(ctx)
}

func (h *Handle[T]) load(ctx context.Context) (v T, err error) {
	finished := false
	defer func() {
		if !finished {
			// init panicked; leave the handle retryable for the next caller
			h.finish(nil, fmt.Errorf("%s: initialization panicked", h.name))
		}
	}()

	// waiters share this attempt, so it must outlive the caller that started it
	v, err = h.init(context.WithoutCancel(ctx))
	finished = true
	if err != nil {
		err = fmt.Errorf("%s: %w", h.name, err)
		h.finish(nil, err)
		return v, err
	}
	h.finish(&v, nil)
	return v, nil
}

func (h *Handle[T]) finish(v *T, err error) {
	h.mu.Lock()
	if err != nil {
		h.state = Failed
		h.lastErr = err
	} else {
		h.ready.Store(v)
		h.state = Ready
		h.lastErr = nil
	}
	h.attempt++
	h.cond.Broadcast()
	h.mu.Unlock()

	if h.observer != nil {
		h.observer(h.name, err)
	}
}
