// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/eventloop"
	clocktesting "k8s.io/utils/clock/testing"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)

// Loop bundles a running event loop with a fake clock.
type Loop struct {
	t     *testing.T
	Clock *clocktesting.FakeClock
	Loop  *eventloop.Loop
}

// StartLoop runs an event loop for the duration of the test.
func StartLoop(t *testing.T) *Loop {
	t.Helper()
	l := &Loop{
		t:     t,
		Clock: clocktesting.NewFakeClock(Epoch),
		Loop:  eventloop.New(zerolog.Nop()),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go l.Loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Loop.Done()
	})
	return l
}

// Do runs fn on the loop and fails the test if the loop is gone.
func (l *Loop) Do(fn func()) {
	l.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Loop.Do(ctx, fn); err != nil {
		l.t.Fatalf("loop.Do: %v", err)
	}
}

// Sync waits until every posted closure has run.
func (l *Loop) Sync() {
	l.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Loop.Sync(ctx); err != nil {
		l.t.Fatalf("loop.Sync: %v", err)
	}
}

// Step advances the fake clock in increments of at most one second and
// drains the loop after each increment.
func (l *Loop) Step(d time.Duration) {
	l.t.Helper()
	for d > 0 {
		s := time.Second
		if d < s {
			s = d
		}
		l.Clock.Step(s)
		l.Sync()
		d -= s
	}
}

// Eventually polls cond on the loop until it holds or the deadline passes.
func (l *Loop) Eventually(cond func() bool, msg string) {
	l.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		l.Do(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	l.t.Fatalf("condition not met: %s", msg)
}
