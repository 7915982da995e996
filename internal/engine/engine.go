// Package engine composes the per-attempt components of an exam session
// onto a single event loop and exposes a goroutine-safe API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/api"
	"github.com/stemsi/exstem-runtime/internal/autosave"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/connectivity"
	"github.com/stemsi/exstem-runtime/internal/countdown"
	"github.com/stemsi/exstem-runtime/internal/eventloop"
	"github.com/stemsi/exstem-runtime/internal/localcache"
	"github.com/stemsi/exstem-runtime/internal/logger"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/platform"
	"github.com/stemsi/exstem-runtime/internal/proctoring"
	"github.com/stemsi/exstem-runtime/internal/session"
	"github.com/stemsi/exstem-runtime/internal/storage"
	"github.com/stemsi/exstem-runtime/internal/submission"
	"github.com/stemsi/exstem-runtime/internal/timer"
	"github.com/stemsi/exstem-runtime/internal/websocket"
	"k8s.io/utils/clock"
)

var (
	// ErrAlreadySubmitted is returned by Open when the attempt is final and
	// retakes are not allowed. The navigator has been sent to the results page.
	ErrAlreadySubmitted = errors.New("exam already submitted")
	// ErrFullscreenRequired is returned by Begin when fullscreen could not be entered.
	ErrFullscreenRequired = errors.New("fullscreen is required to start this exam")
)

const (
	noticeTimeUp     = "Time is up! Your exam is being submitted automatically."
	noticeForced     = "Maximum warnings reached. Your exam is being submitted."
	noticeFullscreen = "Could not enter fullscreen mode. Please manually enable it."
)

// Client is the exam API as the engine uses it.
type Client interface {
	LoadExam(ctx context.Context, examID string, opts api.LoadOptions) (*model.ExamPayload, error)
	autosave.Saver
	submission.Submitter
	connectivity.Pinger
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Config     *config.Config
	Client     Client
	Store      storage.Store
	Clock      clock.WithDelayedExecution
	Fullscreen platform.Fullscreen
	Navigator  platform.Navigator
	Notifier   platform.Notifier
	// Sink overrides the websocket reporter built from Config.WSURL.
	Sink proctoring.Sink
	Log  zerolog.Logger
}

// OpenOptions selects the exam variant.
type OpenOptions struct {
	Practice bool
}

// Session is one student's exam session. All methods are safe for
// concurrent use; state lives on the session's event loop.
type Session struct {
	deps    Deps
	cfg     *config.Config
	examID  string
	opts    OpenOptions
	loop    *eventloop.Loop
	monitor *connectivity.Monitor
	sink    proctoring.Sink

	reporter *websocket.Reporter
	cancel   context.CancelFunc

	// owned by the loop
	attempt *attempt

	log zerolog.Logger
}

type attempt struct {
	log        zerolog.Logger
	cache      *localcache.Cache
	store      *session.Store
	sync       *autosave.Engine
	coord      *submission.Coordinator
	policy     *proctoring.Policy
	countdown  *countdown.Engine
	lowTimeHit bool
	submitted  bool
}

// Open loads the exam and bootstraps its attempt.
func Open(ctx context.Context, deps Deps, examID string, opts OpenOptions) (*Session, error) {
	if deps.Config == nil {
		return nil, errors.New("engine: config is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = platform.LogNotifier(func(level platform.Level, msg string) {
			deps.Log.Info().Str("level", string(level)).Msg(msg)
		})
	}

	log := deps.Log.With().Str("component", "engine").Str("exam_id", examID).Logger()

	payload, err := deps.Client.LoadExam(ctx, examID, api.LoadOptions{Practice: opts.Practice})
	if err != nil {
		return nil, fmt.Errorf("load exam: %w", err)
	}
	if payload.HasSubmitted && !payload.AllowRetake {
		dest := payload.Redirect
		if dest == "" {
			dest = submission.ResultsURL(model.Session{ExamID: examID, IsPractice: opts.Practice})
		}
		log.Info().Str("redirect", dest).Msg("Exam already submitted")
		if deps.Navigator != nil {
			deps.Navigator.Navigate(dest)
		}
		return nil, ErrAlreadySubmitted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:   deps,
		cfg:    deps.Config,
		examID: examID,
		opts:   opts,
		loop:   eventloop.New(deps.Log),
		cancel: cancel,
		sink:   deps.Sink,
		log:    log,
	}
	go s.loop.Run(runCtx)

	if s.sink == nil && s.cfg.WSURL != "" {
		r, err := websocket.NewReporter(websocket.ReporterOptions{
			BaseURL: s.cfg.WSURL,
			ExamID:  examID,
			Token:   s.cfg.APIToken,
			Log:     deps.Log,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Violation reporter disabled")
		} else {
			r.Start(runCtx)
			s.reporter = r
			s.sink = r
		}
	}

	if err := s.do(ctx, func() {
		s.monitor = connectivity.New(connectivity.Options{
			Clock:    deps.Clock,
			Post:     s.loop.Post,
			Pinger:   deps.Client,
			Interval: s.cfg.ProbeInterval,
			Log:      log,
		})
		s.monitor.OnChange(func(online bool) {
			if s.attempt != nil {
				s.attempt.sync.SetOnline(online)
			}
		})
		s.bootstrap(payload)
		s.monitor.Start()
	}); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Session) do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

// bootstrap builds a fresh attempt from payload. Runs on the loop.
func (s *Session) bootstrap(payload *model.ExamPayload) {
	if payload.IsPractice != s.opts.Practice {
		payload.IsPractice = s.opts.Practice
	}
	clk := s.deps.Clock
	log := logger.Attempt(s.deps.Log, "session", payload.ID, payload.AttemptID())

	a := &attempt{log: log}
	a.cache = localcache.New(s.deps.Store, payload.ID, payload.AttemptID(), log)
	a.store = session.Bootstrap(context.Background(), payload, session.Options{
		Cache:       a.cache,
		AnswerFlush: timer.NewOneShot(clk, s.loop.Post),
		FlushDelay:  s.cfg.LocalCacheDebounce,
		Log:         log,
	})
	a.sync = autosave.New(autosave.Options{
		Clock:       clk,
		Post:        s.loop.Post,
		Saver:       s.deps.Client,
		Store:       a.store,
		Debounce:    s.cfg.AutosaveDebounce,
		SavedRevert: s.cfg.SavedRevert,
		ErrorRevert: s.cfg.ErrorRevert,
		Online:      s.monitor.Online,
		Log:         log.With().Str("component", "autosave").Logger(),
	})
	a.coord = submission.New(submission.Options{
		Post:      s.loop.Post,
		Store:     a.store,
		Client:    s.deps.Client,
		Cache:     a.cache,
		Navigator: s.deps.Navigator,
		Notifier:  s.deps.Notifier,
		OnDone:    func() { s.finish(a) },
		Log:       log.With().Str("component", "submission").Logger(),
	})
	a.policy = proctoring.New(proctoring.Options{
		Store:    a.store,
		Max:      s.cfg.MaxViolations,
		Clock:    clk,
		Notifier: s.deps.Notifier,
		Sink:     s.sink,
		OnForce:  func() { a.coord.Force(noticeForced) },
		Log:      log.With().Str("component", "proctoring").Logger(),
	})
	a.countdown = countdown.New(countdown.Options{
		Clock:  clk,
		Post:   s.loop.Post,
		WarnAt: s.cfg.LowTimeWarning,
		OnWarning: func(left int) {
			a.lowTimeHit = true
			s.deps.Notifier.Notify(platform.LevelWarning, lowTimeNotice(left))
		},
		OnTimeUp: func() { a.coord.Force(noticeTimeUp) },
		Log:      log.With().Str("component", "countdown").Logger(),
	})
	a.store.OnQuestionsChange(func() {
		if !a.policy.Enabled() {
			a.policy.Disarm()
		}
	})

	s.attempt = a

	if a.store.IsSubmitted() {
		a.submitted = true
		return
	}
	if a.store.Session().Status == model.ExamStatusInProgress && a.store.StartedAt() != nil {
		a.policy.Arm()
		a.policy.Observe(s.currentSignals())
	}
	a.countdown.Start(a.store.DurationMinutes(), a.store.StartedAt())
}

func lowTimeNotice(left int) string {
	m := (left + 59) / 60
	if m <= 1 {
		return "Less than a minute remaining!"
	}
	return fmt.Sprintf("Only %d minutes remaining!", m)
}

func (s *Session) currentSignals() proctoring.Signals {
	full := false
	if s.deps.Fullscreen != nil {
		full = s.deps.Fullscreen.IsFullscreen()
	}
	return proctoring.Signals{Fullscreen: full, TabVisible: true, Focused: true}
}

// teardown cancels every timer of the current attempt. Runs on the loop.
func (s *Session) teardown() {
	a := s.attempt
	if a == nil {
		return
	}
	a.countdown.Stop()
	a.sync.Stop()
	a.coord.Stop()
	a.policy.Disarm()
	a.store.Close()
}

// finish runs after a successful submission. Runs on the loop.
func (s *Session) finish(a *attempt) {
	a.submitted = true
	a.countdown.Stop()
	a.sync.Stop()
	a.policy.Disarm()
}

// Begin starts the exam: it enters fullscreen when proctoring applies,
// asks the server to stamp startedAt and re-bootstraps the attempt under
// the server-assigned attempt id.
func (s *Session) Begin(ctx context.Context) error {
	var needFullscreen, submitted bool
	if err := s.do(ctx, func() {
		needFullscreen = s.attempt.policy.Enabled()
		submitted = s.attempt.submitted
	}); err != nil {
		return err
	}
	if submitted {
		return ErrAlreadySubmitted
	}

	if needFullscreen && s.deps.Fullscreen != nil {
		if err := s.deps.Fullscreen.EnterFullscreen(ctx); err != nil {
			s.deps.Notifier.Notify(platform.LevelError, noticeFullscreen)
			return fmt.Errorf("%w: %v", ErrFullscreenRequired, err)
		}
	}

	payload, err := s.deps.Client.LoadExam(ctx, s.examID, api.LoadOptions{Practice: s.opts.Practice, Start: true})
	if err != nil {
		return fmt.Errorf("start exam: %w", err)
	}
	if payload.HasSubmitted && !payload.AllowRetake {
		return ErrAlreadySubmitted
	}

	return s.do(ctx, func() {
		prev := s.attempt
		s.teardown()
		s.bootstrap(payload)
		s.carryAnswers(prev)
		s.log.Info().Str("attempt_id", payload.AttemptID()).Msg("Exam started")
	})
}

// carryAnswers moves answers given before the exam started into the new
// attempt and clears the pre-start cache scope. Answers the server already
// holds for the new attempt win. Runs on the loop.
func (s *Session) carryAnswers(prev *attempt) {
	a := s.attempt
	if prev == nil || prev == a || prev.store.Session().Status != model.ExamStatusNotStarted {
		return
	}
	if prev.store.Session().AttemptID == a.store.Session().AttemptID {
		return
	}
	carried := 0
	for k, v := range prev.store.Answers() {
		if _, ok := a.store.Answer(k); ok {
			continue
		}
		if a.store.SetAnswer(k, v) {
			carried++
		}
	}
	if carried > 0 {
		a.store.FlushAnswers()
		a.log.Info().Int("answers", carried).Msg("Carried pre-start answers into attempt")
	}
	if err := prev.cache.Clear(context.Background()); err != nil {
		a.log.Warn().Err(err).Msg("Failed to clear pre-start cache scope")
	}
}

// SetAnswer records an answer. Answers after submission are ignored.
func (s *Session) SetAnswer(ctx context.Context, key string, value any) error {
	return s.do(ctx, func() { s.attempt.store.SetAnswer(key, value) })
}

// SetNavigation applies a navigation patch.
func (s *Session) SetNavigation(ctx context.Context, patch model.NavigationPatch) error {
	return s.do(ctx, func() { s.attempt.store.SetNavigation(patch) })
}

// Next moves to the following question.
func (s *Session) Next(ctx context.Context) error { return s.move(ctx, 1) }

// Prev moves to the previous question.
func (s *Session) Prev(ctx context.Context) error { return s.move(ctx, -1) }

func (s *Session) move(ctx context.Context, delta int) error {
	return s.do(ctx, func() {
		i := s.attempt.store.Navigation().Current + delta
		s.attempt.store.SetNavigation(model.NavigationPatch{Current: &i})
	})
}

// ToggleMark flips the review mark on key and returns the new state.
func (s *Session) ToggleMark(ctx context.Context, key string) (bool, error) {
	var marked bool
	err := s.do(ctx, func() { marked = s.attempt.store.ToggleMark(key) })
	return marked, err
}

// Submit is a click on the submit button.
func (s *Session) Submit(ctx context.Context) error {
	return s.do(ctx, func() { s.attempt.coord.Request() })
}

// CancelSubmit dismisses the confirmation step.
func (s *Session) CancelSubmit(ctx context.Context) error {
	return s.do(ctx, func() { s.attempt.coord.Cancel() })
}

// ObserveProctoring feeds host signals into the proctoring policy.
func (s *Session) ObserveProctoring(ctx context.Context, sig proctoring.Signals) error {
	return s.do(ctx, func() { s.attempt.policy.Observe(sig) })
}

// SetOnline forwards a platform connectivity event.
func (s *Session) SetOnline(ctx context.Context, online bool) error {
	return s.do(ctx, func() { s.monitor.SetOnline(online) })
}

// SetUploading marks an image upload in progress.
func (s *Session) SetUploading(ctx context.Context, uploading bool) error {
	return s.do(ctx, func() { s.attempt.policy.SetUploading(uploading) })
}

// Close tears the session down. Pending local answer writes are flushed.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.do(ctx, func() {
		s.teardown()
		if s.monitor != nil {
			s.monitor.Stop()
		}
	})
	s.shutdown()
}

func (s *Session) shutdown() {
	s.loop.Stop()
	s.cancel()
	<-s.loop.Done()
	if s.reporter != nil {
		s.reporter.Close()
	}
}
