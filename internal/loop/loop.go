// Package loop provides the single goroutine that owns all mutable session
// state. Components never share memory directly; they hand closures to the
// loop and read results back through them.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a loop that is not running.
var ErrStopped = errors.New("loop stopped")

type op struct {
	fn   func()
	done chan struct{}
}

// Loop serializes closures onto one goroutine.
type Loop struct {
	ops     chan op
	stopped chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	started bool
	mu      sync.Mutex
}

// New creates a loop. It does nothing until Start is called.
func New() *Loop {
	return &Loop{
		ops:     make(chan op),
		stopped: make(chan struct{}),
	}
}

// Start runs the loop goroutine until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	select {
	case <-l.stopped:
		return
	default:
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.stopped)
	for {
		select {
		case o := <-l.ops:
			o.fn()
			close(o.done)
		case <-ctx.Done():
			return
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to finish. It must not be
// called from inside another closure running on the same loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case l.ops <- o:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the closure always runs to completion.
	<-o.done
	return nil
}

// Stop terminates the loop and waits for the goroutine to exit. Closures
// already accepted finish first.
func (l *Loop) Stop() {
	l.mu.Lock()
	started := l.started
	cancel := l.cancel
	l.mu.Unlock()
	if !started {
		l.once.Do(func() { close(l.stopped) })
		return
	}
	l.once.Do(cancel)
	<-l.stopped
}

// Query runs fn on the loop and returns its result.
func Query[T any](ctx context.Context, l *Loop, fn func() T) (T, error) {
	var out T
	err := l.Do(ctx, func() { out = fn() })
	return out, err
}
