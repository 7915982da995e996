// Package eventloop runs every session mutation on a single goroutine.
//
// Timers, network completions and public API calls never touch session
// state directly; they Post closures which the loop executes in order.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO of closures drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	log     zerolog.Logger
}

// New creates a Loop. Call Run to start draining it.
func New(log zerolog.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log.With().Str("component", "eventloop").Logger(),
	}
}

// Run drains the queue until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		fn, ok := l.next()
		if ok {
			l.exec(fn)
			continue
		}
		if l.isStopped() {
			return
		}
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.wake:
		}
	}
}

// Post enqueues fn. It reports false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// the closure may still have run before the loop exited
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync blocks until the queue is empty, including work posted by the
// closures it drains.
func (l *Loop) Sync(ctx context.Context) error {
	for {
		var empty bool
		if err := l.Do(ctx, func() { empty = l.pending() == 0 }); err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

// Stop rejects further posts. Already queued closures are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered panic in event handler")
		}
	}()
	fn()
}
