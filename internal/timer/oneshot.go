// Package timer provides cancellable one-shot timers that deliver their
// callbacks through an event loop.
package timer

import (
	"time"

	"k8s.io/utils/clock"
)

// Poster schedules a closure on the owning event loop.
type Poster func(fn func()) bool

// OneShot is a restartable single-fire timer. Arming it again replaces
// the pending callback. All methods must be called from the loop goroutine.
type OneShot struct {
	clock clock.WithDelayedExecution
	post  Poster
	timer clock.Timer
	fn    func()
	gen   uint64
}

// NewOneShot creates an idle OneShot.
func NewOneShot(clk clock.WithDelayedExecution, post Poster) *OneShot {
	return &OneShot{clock: clk, post: post}
}

// Arm schedules fn after delay, cancelling any pending callback.
func (o *OneShot) Arm(delay time.Duration, fn func()) {
	o.stop()
	o.gen++
	gen := o.gen
	o.fn = fn
	o.timer = o.clock.AfterFunc(delay, func() {
		o.post(func() { o.fire(gen) })
	})
}

// Cancel drops the pending callback. It reports whether one was pending.
func (o *OneShot) Cancel() bool {
	pending := o.fn != nil
	o.stop()
	o.gen++
	o.fn = nil
	return pending
}

// Pending reports whether a callback is armed.
func (o *OneShot) Pending() bool { return o.fn != nil }

// Flush runs the pending callback immediately. It reports whether one ran.
func (o *OneShot) Flush() bool {
	fn := o.fn
	if fn == nil {
		return false
	}
	o.Cancel()
	fn()
	return true
}

func (o *OneShot) fire(gen uint64) {
	// stale: re-armed or cancelled after the clock fired
	if gen != o.gen || o.fn == nil {
		return
	}
	fn := o.fn
	o.fn = nil
	o.timer = nil
	fn()
}

func (o *OneShot) stop() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
