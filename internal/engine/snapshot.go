package engine

import (
	"context"
	"time"

	"github.com/stemsi/exstem-runtime/internal/connectivity"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/session"
	"github.com/stemsi/exstem-runtime/internal/submission"
)

// Snapshot is a consistent read of the session for rendering.
type Snapshot struct {
	Session    model.Session
	Name       string
	Duration   int
	Questions  []model.Question
	Counts     map[model.QuestionType]int
	Current    *model.Question
	Answers    model.AnswerMap
	Navigation model.Navigation
	Proctoring model.ProctoringState
	SaveStatus model.SaveStatus

	SecondsLeft   int
	TimerRunning  bool
	TimerDegraded bool
	LowTime       bool

	ProctoringEnabled bool
	Blocked           bool
	Uploading         bool

	SubmitPhase submission.Phase
	SubmitError string

	Online      bool
	SyncPending bool
	Quality     connectivity.Quality
	Latency     time.Duration
}

// Snapshot reads the whole session state in one loop turn.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() {
		a := s.attempt
		layout := a.store.Layout(session.SectionAll)
		nav := a.store.Navigation()

		snap = Snapshot{
			Session:           a.store.Session(),
			Name:              a.store.Name(),
			Duration:          a.store.DurationMinutes(),
			Questions:         layout.Ordered,
			Counts:            layout.Counts,
			Answers:           a.store.Answers(),
			Navigation:        nav,
			Proctoring:        a.store.Proctoring(),
			SaveStatus:        a.store.SaveStatus(),
			SecondsLeft:       a.countdown.SecondsLeft(),
			TimerRunning:      a.countdown.Running(),
			TimerDegraded:     a.countdown.Degraded(),
			LowTime:           a.lowTimeHit,
			ProctoringEnabled: a.policy.Enabled(),
			Blocked:           a.policy.Blocked(),
			Uploading:         a.policy.Uploading(),
			SubmitPhase:       a.coord.Phase(),
			Online:            s.monitor.Online(),
			SyncPending:       a.sync.SyncPending(),
			Quality:           s.monitor.Quality(),
			Latency:           s.monitor.Latency(),
		}
		if err := a.coord.LastError(); err != nil {
			snap.SubmitError = err.Error()
		}
		if len(layout.Ordered) > 0 {
			q := layout.Ordered[nav.Current]
			snap.Current = &q
		}
	})
	return snap, err
}
