// Package proctoring turns fullscreen and tab-activity signals into
// violation counts and forced submissions.
package proctoring

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/platform"
	"github.com/stemsi/exstem-runtime/internal/session"
	"github.com/stemsi/exstem-runtime/internal/websocket"
	"k8s.io/utils/clock"
)

// Signals is one observation of the host environment.
type Signals struct {
	Fullscreen bool
	TabVisible bool
	Focused    bool
}

// Violating reports whether the observation breaks the exam environment.
func (s Signals) Violating() bool {
	return !s.Fullscreen || !s.TabVisible || !s.Focused
}

func (s Signals) reason() websocket.Reason {
	switch {
	case !s.TabVisible:
		return websocket.ReasonTabHidden
	case !s.Focused:
		return websocket.ReasonFocusLost
	default:
		return websocket.ReasonFullscreenExit
	}
}

var reasonText = map[websocket.Reason]string{
	websocket.ReasonTabHidden:      "You left the exam tab. This has been recorded.",
	websocket.ReasonFocusLost:      "Focus lost. Please stay on the exam window.",
	websocket.ReasonFullscreenExit: "Fullscreen exited. Return to fullscreen to continue.",
}

// Sink receives counted violations, typically the exam monitor stream.
type Sink interface {
	Report(v websocket.Violation) bool
}

// Options configures a Policy.
type Options struct {
	Store    *session.Store
	Max      int
	Clock    clock.PassiveClock
	Notifier platform.Notifier
	Sink     Sink
	// OnForce is called once when the violation count reaches Max.
	OnForce func()
	Log     zerolog.Logger
}

// Policy counts edge transitions into a violating state while armed.
// It is disabled entirely for exams with free-response questions.
type Policy struct {
	opts      Options
	store     *session.Store
	armed     bool
	uploading bool
	violating bool
	forced    bool
	log       zerolog.Logger
}

// New creates a disarmed Policy.
func New(opts Options) *Policy {
	if opts.Max <= 0 {
		opts.Max = 3
	}
	return &Policy{opts: opts, store: opts.Store, log: opts.Log}
}

// Enabled reports whether proctoring applies to the current question set.
func (p *Policy) Enabled() bool {
	return !p.store.Layout(session.SectionAll).HasSubjective
}

// Armed reports whether violations are being counted.
func (p *Policy) Armed() bool { return p.armed }

// Forced reports whether the threshold has triggered a forced submit.
func (p *Policy) Forced() bool { return p.forced }

// Arm starts counting. A count restored at or above the maximum forces
// submission immediately.
func (p *Policy) Arm() {
	if !p.Enabled() || p.store.IsSubmitted() {
		return
	}
	p.armed = true
	p.violating = p.current().Violating()
	if p.store.Proctoring().ViolationCount >= p.opts.Max {
		p.force()
	}
}

// Disarm stops counting.
func (p *Policy) Disarm() { p.armed = false }

// SetUploading suspends counting while a file picker may steal focus.
func (p *Policy) SetUploading(uploading bool) { p.uploading = uploading }

// Uploading reports whether counting is suspended.
func (p *Policy) Uploading() bool { return p.uploading }

// Observe records new host signals and counts a violation on the edge
// into a violating state.
func (p *Policy) Observe(s Signals) {
	p.store.SetSignals(s.Fullscreen, s.TabVisible && s.Focused)

	violating := s.Violating()
	edge := violating && !p.violating
	p.violating = violating

	if !edge || !p.armed || p.uploading || p.store.IsSubmitted() || !p.Enabled() {
		return
	}

	count := p.store.Proctoring().ViolationCount + 1
	p.store.SetViolation(count)

	reason := s.reason()
	p.log.Warn().
		Str("reason", string(reason)).
		Int("count", count).
		Int("max", p.opts.Max).
		Msg("Proctoring violation")

	if p.opts.Notifier != nil {
		p.opts.Notifier.Notify(platform.LevelWarning, fmt.Sprintf("Warning %d/%d: %s", count, p.opts.Max, reasonText[reason]))
	}
	p.report(reason, count, false)

	if count >= p.opts.Max {
		p.force()
	}
}

// Blocked reports whether the UI must block interaction until the
// student re-enters fullscreen. The countdown keeps running underneath.
func (p *Policy) Blocked() bool {
	if !p.armed || p.store.IsSubmitted() || !p.Enabled() {
		return false
	}
	return p.current().Violating()
}

func (p *Policy) current() Signals {
	st := p.store.Proctoring()
	return Signals{Fullscreen: st.IsFullscreen, TabVisible: st.IsTabActive, Focused: st.IsTabActive}
}

func (p *Policy) force() {
	if p.forced {
		return
	}
	p.forced = true
	p.log.Warn().Int("max", p.opts.Max).Msg("Violation limit reached, forcing submission")
	p.report(websocket.ReasonForcedSubmit, p.store.Proctoring().ViolationCount, true)
	if p.opts.OnForce != nil {
		p.opts.OnForce()
	}
}

func (p *Policy) report(reason websocket.Reason, count int, forced bool) {
	if p.opts.Sink == nil {
		return
	}
	var ts int64
	if p.opts.Clock != nil {
		ts = p.opts.Clock.Now().UnixMilli()
	}
	p.opts.Sink.Report(websocket.Violation{
		AttemptID: p.store.Session().AttemptID,
		Reason:    reason,
		Count:     count,
		Max:       p.opts.Max,
		Forced:    forced,
		Timestamp: ts,
	})
}
