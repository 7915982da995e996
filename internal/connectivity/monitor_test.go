package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/testutil"
	"github.com/stretchr/testify/assert"
)

type scriptedPinger struct {
	mu      sync.Mutex
	results []time.Duration
	calls   int
}

var errDown = errors.New("connection refused")

func (p *scriptedPinger) Ping(context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	if p.results[i] < 0 {
		return 0, errDown
	}
	return p.results[i], nil
}

func (p *scriptedPinger) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestMonitor_EdgeTriggered(t *testing.T) {
	l := testutil.StartLoop(t)
	var m *Monitor
	var edges []bool
	l.Do(func() {
		m = New(Options{Clock: l.Clock, Post: l.Loop.Post, Log: zerolog.Nop()})
		m.OnChange(func(online bool) { edges = append(edges, online) })
		m.SetOnline(true)
		m.SetOnline(false)
		m.SetOnline(false)
		m.SetOnline(true)
	})
	assert.Equal(t, []bool{false, true}, edges)
}

func TestMonitor_ProbesClassifyQuality(t *testing.T) {
	l := testutil.StartLoop(t)
	p := &scriptedPinger{results: []time.Duration{50 * time.Millisecond, 2 * time.Second, -1}}
	var m *Monitor
	l.Do(func() {
		m = New(Options{Clock: l.Clock, Post: l.Loop.Post, Pinger: p, Interval: 15 * time.Second, Log: zerolog.Nop()})
		m.Start()
	})
	defer l.Do(m.Stop)

	l.Eventually(func() bool { return m.Quality() == QualityGood }, "good")
	l.Do(func() { assert.Equal(t, 50*time.Millisecond, m.Latency()) })

	l.Step(15 * time.Second)
	l.Eventually(func() bool { return m.Quality() == QualitySlow }, "slow")

	l.Step(15 * time.Second)
	l.Eventually(func() bool { return m.Quality() == QualityUnreachable }, "unreachable")

	// probes are advisory
	l.Do(func() { assert.True(t, m.Online()) })
}

func TestMonitor_StopHaltsProbing(t *testing.T) {
	l := testutil.StartLoop(t)
	p := &scriptedPinger{results: []time.Duration{time.Millisecond}}
	var m *Monitor
	l.Do(func() {
		m = New(Options{Clock: l.Clock, Post: l.Loop.Post, Pinger: p, Interval: time.Second, Log: zerolog.Nop()})
		m.Start()
	})
	l.Eventually(func() bool { return m.Quality() == QualityGood }, "first probe")
	l.Do(m.Stop)

	n := p.Calls()
	l.Step(10 * time.Second)
	assert.Equal(t, n, p.Calls())
	assert.False(t, l.Clock.HasWaiters())
}
