// Package countdown derives the remaining exam time from absolute timestamps.
package countdown

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/timer"
	"k8s.io/utils/clock"
)

const tickInterval = time.Second

// Options configures an Engine.
type Options struct {
	Clock     clock.WithDelayedExecution
	Post      timer.Poster
	WarnAt    time.Duration
	OnTick    func(secondsLeft int)
	OnWarning func(secondsLeft int)
	OnTimeUp  func()
	Log       zerolog.Logger
}

// Engine recomputes secondsLeft = max(0, duration*60 - floor((now-startedAt)/1s))
// on every tick. It never counts up while startedAt is fixed.
type Engine struct {
	clock clock.WithDelayedExecution
	tick  *timer.OneShot
	opts  Options

	total    int
	start    time.Time
	running  bool
	degraded bool
	left     int

	warned bool
	fired  bool

	log zerolog.Logger
}

// New creates an idle Engine. All methods must run on the event loop.
func New(opts Options) *Engine {
	return &Engine{
		clock: opts.Clock,
		tick:  timer.NewOneShot(opts.Clock, opts.Post),
		opts:  opts,
		log:   opts.Log,
	}
}

// Start configures the countdown. An absent startedAt reports the full
// duration without counting down. An unparseable one falls back to a
// local countdown from now.
func (e *Engine) Start(durationMinutes int, startedAt *string) {
	e.tick.Cancel()
	e.total = durationMinutes * 60
	if e.total < 0 {
		e.total = 0
	}
	e.left = e.total
	e.warned = false
	e.fired = false
	e.degraded = false
	e.running = false

	start, ok, err := model.ParseStartedAt(startedAt)
	if !ok {
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Str("started_at", *startedAt).Msg("Unparseable start time, counting down locally")
		start = e.clock.Now()
		e.degraded = true
	}
	e.start = start
	e.running = true
	e.evaluate()
}

// SecondsLeft returns the last computed remaining time.
func (e *Engine) SecondsLeft() int { return e.left }

// Running reports whether the engine is counting down.
func (e *Engine) Running() bool { return e.running }

// Degraded reports whether the engine fell back to a local start time.
func (e *Engine) Degraded() bool { return e.degraded }

// Expired reports whether time-up has fired.
func (e *Engine) Expired() bool { return e.fired }

// Stop cancels the tick timer.
func (e *Engine) Stop() {
	e.tick.Cancel()
	e.running = false
}

func (e *Engine) compute() int {
	elapsed := int(e.clock.Since(e.start) / time.Second)
	left := e.total - elapsed
	if left < 0 {
		left = 0
	}
	if left > e.total {
		left = e.total
	}
	// wall clock moved backwards
	if left > e.left {
		left = e.left
	}
	return left
}

func (e *Engine) evaluate() {
	if !e.running {
		return
	}
	e.left = e.compute()
	if e.opts.OnTick != nil {
		e.opts.OnTick(e.left)
	}

	if !e.warned && e.left > 0 && e.opts.WarnAt > 0 && time.Duration(e.left)*time.Second <= e.opts.WarnAt {
		e.warned = true
		e.log.Info().Int("seconds_left", e.left).Msg("Low time warning")
		if e.opts.OnWarning != nil {
			e.opts.OnWarning(e.left)
		}
	}

	if e.left == 0 {
		e.running = false
		if !e.fired {
			e.fired = true
			e.log.Info().Msg("Time is up")
			if e.opts.OnTimeUp != nil {
				e.opts.OnTimeUp()
			}
		}
		return
	}
	e.tick.Arm(tickInterval, e.evaluate)
}
