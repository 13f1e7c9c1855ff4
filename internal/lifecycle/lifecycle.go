// Package lifecycle owns asynchronous initialization: a single outstanding
// attempt, a terminal outcome, and listener fan-out that never misses a
// notification.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is the initialization state of a [Controller].
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Ready or Failed.
func (s State) Terminal() bool {
	return s == Ready || s == Failed
}

var ErrNotStarted = errors.New("initialization not started")

// Status is a point-in-time view of a [Controller].
type Status[H any] struct {
	State  State
	Handle H
	Err    error
}

// Listener receives exactly one outcome per registration.
type Listener[H any] interface {
	OnReady(handle H)
	OnFailed(err error)
}

// ListenerFuncs adapts a pair of functions to [Listener]. Nil fields are
// skipped.
type ListenerFuncs[H any] struct {
	Ready  func(H)
	Failed func(error)
}

func (l ListenerFuncs[H]) OnReady(handle H) {
	if l.Ready != nil {
		l.Ready(handle)
	}
}

func (l ListenerFuncs[H]) OnFailed(err error) {
	if l.Failed != nil {
		l.Failed(err)
	}
}

// InitFunc performs one initialization attempt.
type InitFunc[H any] func(ctx context.Context) (H, error)

// Options configure a [Controller].
type Options struct {
	Logger *slog.Logger
	// OnTransition, if set, is called after every state change outside the
	// controller lock.
	OnTransition func(from, to State)
}

type attempt[H any] struct {
	done   chan struct{}
	handle H
	err    error
}

// Controller runs at most one initialization attempt at a time. Ready is
// final; Failed may be retried by calling Init again.
type Controller[H any] struct {
	logger       *slog.Logger
	onTransition func(from, to State)

	mu        sync.Mutex
	state     State
	current   *attempt[H]
	listeners []Listener[H]
	attempts  int
}

func New[H any](opts Options) *Controller[H] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller[H]{
		logger:       logger,
		onTransition: opts.OnTransition,
	}
}

// Init starts an attempt running fn in a new goroutine and returns the state
// observed after the call. While an attempt is running or after success it
// returns the current status without calling fn.
func (c *Controller[H]) Init(ctx context.Context, fn InitFunc[H]) Status[H] {
	c.mu.Lock()
	if c.state == Initializing || c.state == Ready {
		status := c.statusLocked()
		c.mu.Unlock()
		return status
	}

	from := c.state
	current := &attempt[H]{done: make(chan struct{})}
	c.current = current
	c.state = Initializing
	c.attempts++
	n := c.attempts
	status := c.statusLocked()
	c.mu.Unlock()

	c.logger.Debug("initialization started", "attempt", n)
	c.transition(from, Initializing)

	go c.run(ctx, fn, current, n)

	return status
}

func (c *Controller[H]) run(ctx context.Context, fn InitFunc[H], current *attempt[H], n int) {
	handle, err := c.call(ctx, fn)
	c.complete(current, n, handle, err)
}

func (c *Controller[H]) call(ctx context.Context, fn InitFunc[H]) (handle H, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialization panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Controller[H]) complete(current *attempt[H], n int, handle H, err error) {
	c.mu.Lock()
	to := Ready
	if err != nil {
		to = Failed
	}
	c.state = to
	current.handle = handle
	current.err = err
	pending := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("initialization failed", "attempt", n, "error", err)
	} else {
		c.logger.Info("initialization complete", "attempt", n)
	}
	c.transition(Initializing, to)

	for _, listener := range pending {
		c.notify(listener, handle, err)
	}
	close(current.done)
}

// OnInit registers listener for the outcome of the current or next attempt.
// If an outcome is already known the listener is called synchronously
// before OnInit returns.
func (c *Controller[H]) OnInit(listener Listener[H]) {
	if listener == nil {
		return
	}

	c.mu.Lock()
	if !c.state.Terminal() {
		c.listeners = append(c.listeners, listener)
		c.mu.Unlock()
		return
	}
	handle, err := c.current.handle, c.current.err
	c.mu.Unlock()

	c.notify(listener, handle, err)
}

// Wait blocks until the current attempt finishes and its listeners have been
// notified, or until ctx is done.
func (c *Controller[H]) Wait(ctx context.Context) (H, error) {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		var zero H
		return zero, ErrNotStarted
	}
	current := c.current
	c.mu.Unlock()

	select {
	case <-current.done:
		return current.handle, current.err
	case <-ctx.Done():
		var zero H
		return zero, ctx.Err()
	}
}

func (c *Controller[H]) Status() Status[H] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller[H]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many initialization attempts have been started.
func (c *Controller[H]) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller[H]) statusLocked() Status[H] {
	status := Status[H]{State: c.state}
	if c.state.Terminal() {
		status.Handle = c.current.handle
		status.Err = c.current.err
	}
	return status
}

func (c *Controller[H]) notify(listener Listener[H], handle H, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("init listener panicked", "panic", r)
		}
	}()
	if err != nil {
		listener.OnFailed(err)
		return
	}
	listener.OnReady(handle)
}

func (c *Controller[H]) transition(from, to State) {
	if c.onTransition != nil {
		c.onTransition(from, to)
	}
}
