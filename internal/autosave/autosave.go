// Package autosave pushes the answer map to the server on a debounce.
package autosave

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/api"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/session"
	"github.com/stemsi/exstem-runtime/internal/timer"
	"k8s.io/utils/clock"
)

const requestTimeout = 30 * time.Second

// Saver is the server side of the sync.
type Saver interface {
	SaveResponses(ctx context.Context, examID string, answers model.AnswerMap) error
}

// Options configures an Engine.
type Options struct {
	Clock       clock.WithDelayedExecution
	Post        timer.Poster
	Saver       Saver
	Store       *session.Store
	Debounce    time.Duration
	SavedRevert time.Duration
	ErrorRevert time.Duration
	// Online reports the current connectivity. Nil means always online.
	Online func() bool
	Log    zerolog.Logger
}

// Engine drives SaveStatus through idle, saving, saved and error.
// At most one request is in flight; a push requested meanwhile runs once
// the in-flight one completes, with the newest snapshot.
type Engine struct {
	opts     Options
	store    *session.Store
	debounce *timer.OneShot
	revert   *timer.OneShot

	inFlight    bool
	queued      bool
	syncPending bool
	rejected    bool
	stopped     bool
	pushes      int

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// New creates an Engine and subscribes it to answer changes on the store.
func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		store:    opts.Store,
		debounce: timer.NewOneShot(opts.Clock, opts.Post),
		revert:   timer.NewOneShot(opts.Clock, opts.Post),
		ctx:      ctx,
		cancel:   cancel,
		log:      opts.Log,
	}
	e.store.OnAnswerChange(func(string) { e.Touch() })
	return e
}

// Touch restarts the debounce window.
func (e *Engine) Touch() {
	if e.stopped {
		return
	}
	e.debounce.Arm(e.opts.Debounce, e.push)
}

// SyncPending reports whether edits made offline await a push.
func (e *Engine) SyncPending() bool { return e.syncPending }

// Rejected reports whether the last push was refused as terminal.
func (e *Engine) Rejected() bool { return e.rejected }

// InFlight reports whether a request is outstanding.
func (e *Engine) InFlight() bool { return e.inFlight }

// SetOnline replays a pending sync on reconnect.
func (e *Engine) SetOnline(online bool) {
	if !online || !e.syncPending || e.stopped {
		return
	}
	e.log.Info().Msg("Connection restored, replaying pending sync")
	e.debounce.Cancel()
	e.push()
}

// Stop cancels timers and any in-flight request.
func (e *Engine) Stop() {
	e.stopped = true
	e.debounce.Cancel()
	e.revert.Cancel()
	e.cancel()
}

func (e *Engine) online() bool {
	return e.opts.Online == nil || e.opts.Online()
}

func (e *Engine) push() {
	if e.stopped {
		return
	}
	sess := e.store.Session()
	if sess.IsPractice || sess.Status == model.ExamStatusSubmitted {
		return
	}
	answers := e.store.Answers()
	if len(answers) == 0 {
		return
	}
	if !e.online() {
		e.syncPending = true
		e.revert.Cancel()
		e.store.SetSaveStatus(model.SaveStatusIdle)
		e.log.Info().Msg("Offline, answers kept locally until reconnect")
		return
	}
	if e.inFlight {
		e.queued = true
		return
	}

	e.inFlight = true
	e.queued = false
	e.pushes++
	e.revert.Cancel()
	e.store.SetSaveStatus(model.SaveStatusSaving)

	examID := sess.ExamID
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, requestTimeout)
		defer cancel()
		err := e.opts.Saver.SaveResponses(ctx, examID, answers)
		e.opts.Post(func() { e.complete(err) })
	}()
}

func (e *Engine) complete(err error) {
	e.inFlight = false
	if e.stopped {
		return
	}

	switch {
	case err == nil:
		e.syncPending = false
		e.rejected = false
		e.store.SetSaveStatus(model.SaveStatusSaved)
		e.revert.Arm(e.opts.SavedRevert, e.toIdle)
	case errors.Is(err, api.ErrTerminalRejection):
		// not retried; the next edit opens a new debounce cycle
		e.rejected = true
		e.queued = false
		e.log.Warn().Err(err).Msg("Autosave rejected, attempt likely finalized or expired")
		e.store.SetSaveStatus(model.SaveStatusError)
		e.revert.Arm(e.opts.ErrorRevert, e.toIdle)
		return
	default:
		if api.IsTransient(err) {
			e.syncPending = true
		}
		e.log.Warn().Err(err).Msg("Autosave failed")
		e.store.SetSaveStatus(model.SaveStatusError)
		e.revert.Arm(e.opts.ErrorRevert, e.toIdle)
	}

	if e.queued {
		e.queued = false
		e.push()
	}
}

func (e *Engine) toIdle() {
	e.store.SetSaveStatus(model.SaveStatusIdle)
}
