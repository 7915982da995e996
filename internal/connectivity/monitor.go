// Package connectivity tracks the online signal and probes link quality.
package connectivity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/timer"
	"k8s.io/utils/clock"
)

// Quality is an advisory classification of the link to the exam API.
type Quality string

const (
	QualityUnknown     Quality = "unknown"
	QualityGood        Quality = "good"
	QualitySlow        Quality = "slow"
	QualityUnreachable Quality = "unreachable"
)

const (
	defaultSlowThreshold = time.Second
	probeTimeout         = 10 * time.Second
)

// Pinger measures a round trip to the server.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Options configures a Monitor.
type Options struct {
	Clock         clock.WithDelayedExecution
	Post          timer.Poster
	Pinger        Pinger
	Interval      time.Duration
	SlowThreshold time.Duration
	Log           zerolog.Logger
}

// Monitor holds the platform's online flag and the last probe result.
// Probes never change the online flag.
type Monitor struct {
	opts      Options
	probe     *timer.OneShot
	online    bool
	latency   time.Duration
	quality   Quality
	probing   bool
	stopped   bool
	listeners []func(online bool)

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// New creates a Monitor that starts online.
func New(opts Options) *Monitor {
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = defaultSlowThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		opts:    opts,
		probe:   timer.NewOneShot(opts.Clock, opts.Post),
		online:  true,
		quality: QualityUnknown,
		ctx:     ctx,
		cancel:  cancel,
		log:     opts.Log,
	}
}

// OnChange registers fn for online/offline edges.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) Online() bool { return m.online }

func (m *Monitor) Latency() time.Duration { return m.latency }

func (m *Monitor) Quality() Quality { return m.quality }

// SetOnline records a platform connectivity event. Repeated values are ignored.
func (m *Monitor) SetOnline(online bool) {
	if m.stopped || online == m.online {
		return
	}
	m.online = online
	m.log.Info().Bool("online", online).Msg("Connectivity changed")
	for _, fn := range m.listeners {
		fn(online)
	}
}

// Start begins periodic probing. A zero interval or nil Pinger disables it.
func (m *Monitor) Start() {
	if m.opts.Pinger == nil || m.opts.Interval <= 0 || m.stopped {
		return
	}
	m.runProbe()
}

// Stop cancels probing and drops any in-flight result.
func (m *Monitor) Stop() {
	m.stopped = true
	m.probe.Cancel()
	m.cancel()
}

func (m *Monitor) runProbe() {
	if m.stopped || m.probing {
		return
	}
	m.probing = true
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, probeTimeout)
		defer cancel()
		d, err := m.opts.Pinger.Ping(ctx)
		m.opts.Post(func() { m.record(d, err) })
	}()
}

func (m *Monitor) record(d time.Duration, err error) {
	m.probing = false
	if m.stopped {
		return
	}
	switch {
	case err != nil:
		m.quality = QualityUnreachable
		m.log.Debug().Err(err).Msg("Connectivity probe failed")
	case d > m.opts.SlowThreshold:
		m.latency = d
		m.quality = QualitySlow
	default:
		m.latency = d
		m.quality = QualityGood
	}
	m.probe.Arm(m.opts.Interval, m.runProbe)
}
