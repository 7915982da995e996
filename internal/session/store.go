// Package session holds the single mutable source of truth of an exam attempt.
//
// A Store is owned by one event loop; none of its methods are safe for
// concurrent use.
package session

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/localcache"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/timer"
)

// Options configures a Store.
type Options struct {
	// Cache is the durable local scope of the attempt. Nil disables persistence.
	Cache *localcache.Cache
	// AnswerFlush debounces local answer writes.
	AnswerFlush *timer.OneShot
	// FlushDelay is the quiet period before answers are written locally.
	FlushDelay time.Duration
	Log        zerolog.Logger
}

// Store is the in-memory state of one attempt.
type Store struct {
	session    model.Session
	exam       model.ExamPayload
	answers    model.AnswerMap
	nav        model.Navigation
	proctoring model.ProctoringState
	saveStatus model.SaveStatus

	cache       *localcache.Cache
	answerFlush *timer.OneShot
	flushDelay  time.Duration

	version        int
	layouts        map[Section]*Layout
	layoutsVersion int
	layoutBuild    int

	answerHooks   []func(key string)
	questionHooks []func()

	log zerolog.Logger
}

// Bootstrap builds a Store from the server payload merged with whatever the
// local cache holds for the same attempt. Cached answers overwrite server ones.
func Bootstrap(ctx context.Context, payload *model.ExamPayload, opts Options) *Store {
	s := &Store{
		session: model.Session{
			ExamID:     payload.ID,
			AttemptID:  payload.AttemptID(),
			Status:     sessionStatus(payload),
			IsPractice: payload.IsPractice,
		},
		exam:        *payload,
		answers:     payload.SavedAnswers.Clone(),
		nav:         model.NewNavigation(),
		proctoring:  model.ProctoringState{IsFullscreen: false, IsTabActive: true},
		saveStatus:  model.SaveStatusIdle,
		cache:       opts.Cache,
		answerFlush: opts.AnswerFlush,
		flushDelay:  opts.FlushDelay,
		log:         opts.Log,
	}
	s.exam.SavedAnswers = nil

	questions, dropped := sanitizeQuestions(payload.Questions)
	if dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Msg("Dropped questions with missing or duplicate ids")
	}
	s.exam.Questions = questions

	if s.cache != nil {
		snap := s.cache.Load(ctx)
		for k, v := range snap.Answers {
			if sv, ok := s.answers[k]; ok && !reflect.DeepEqual(sv, v) {
				s.log.Warn().Str("key", k).Msg("Local answer overrides saved server answer")
			}
			s.answers[k] = v
		}
		if snap.Navigation != nil {
			s.nav = snap.Navigation.Clone()
		}
		s.proctoring.ViolationCount = snap.Violations
	}
	s.nav.Current = s.clamp(s.nav.Current)

	s.log.Debug().
		Int("questions", len(s.exam.Questions)).
		Int("answers", len(s.answers)).
		Int("violations", s.proctoring.ViolationCount).
		Msg("Session bootstrapped")

	return s
}

func sessionStatus(p *model.ExamPayload) model.ExamStatus {
	switch {
	case p.Status == model.ExamStatusSubmitted:
		return model.ExamStatusSubmitted
	case p.Status != "":
		return p.Status
	case p.StartedAt != nil && *p.StartedAt != "":
		return model.ExamStatusInProgress
	default:
		return model.ExamStatusNotStarted
	}
}

// OnAnswerChange registers fn to run after every accepted answer mutation.
func (s *Store) OnAnswerChange(fn func(key string)) {
	s.answerHooks = append(s.answerHooks, fn)
}

// OnQuestionsChange registers fn to run after the question set changes.
func (s *Store) OnQuestionsChange(fn func()) {
	s.questionHooks = append(s.questionHooks, fn)
}

// Session identifies the attempt.
func (s *Store) Session() model.Session { return s.session }

// IsSubmitted reports whether the attempt is final.
func (s *Store) IsSubmitted() bool { return s.session.Status == model.ExamStatusSubmitted }

// Name is the exam title.
func (s *Store) Name() string { return s.exam.Name }

// DurationMinutes is the exam length as sent by the server.
func (s *Store) DurationMinutes() int { return s.exam.Duration }

// StartedAt is the authoritative start timestamp, nil before the exam starts.
func (s *Store) StartedAt() *string { return s.exam.StartedAt }

// Redirect is the results path the server sent for a finished attempt.
func (s *Store) Redirect() string { return s.exam.Redirect }

// Questions returns the sanitized question set in server order.
func (s *Store) Questions() []model.Question { return s.exam.Questions }

// Answers returns a copy of the answer map.
func (s *Store) Answers() model.AnswerMap { return s.answers.Clone() }

// Answer returns the value stored under key.
func (s *Store) Answer(key string) (any, bool) {
	v, ok := s.answers[key]
	return v, ok
}

// Navigation returns a copy of the navigation state.
func (s *Store) Navigation() model.Navigation { return s.nav.Clone() }

// Proctoring returns the violation count and last observed signals.
func (s *Store) Proctoring() model.ProctoringState { return s.proctoring }

// SaveStatus is the remote save indicator.
func (s *Store) SaveStatus() model.SaveStatus { return s.saveStatus }

// SetAnswer replaces the value under key. It reports false once the
// session is submitted.
func (s *Store) SetAnswer(key string, value any) bool {
	if s.IsSubmitted() {
		return false
	}
	s.answers[key] = value
	if s.cache != nil && s.answerFlush != nil {
		s.answerFlush.Arm(s.flushDelay, s.writeAnswers)
	}
	for _, fn := range s.answerHooks {
		fn(key)
	}
	return true
}

// FlushAnswers writes a pending local answer update now.
func (s *Store) FlushAnswers() {
	if s.answerFlush != nil {
		s.answerFlush.Flush()
	}
}

func (s *Store) writeAnswers() {
	if s.cache == nil {
		return
	}
	_ = s.cache.WriteAnswers(context.Background(), s.answers)
}

// SetNavigation applies patch, clamping the index into range.
func (s *Store) SetNavigation(patch model.NavigationPatch) {
	if patch.Current != nil {
		s.nav.Current = s.clamp(*patch.Current)
	}
	for _, k := range patch.Visit {
		s.nav.Visited[k] = true
	}
	if qs := s.layoutFor(SectionAll).Ordered; len(qs) > 0 {
		s.nav.Visited[qs[s.nav.Current].ID] = true
	}
	s.writeNavigation()
}

// ToggleMark flips the review mark on key.
func (s *Store) ToggleMark(key string) bool {
	if s.nav.Marked[key] {
		delete(s.nav.Marked, key)
	} else {
		s.nav.Marked[key] = true
	}
	s.writeNavigation()
	return s.nav.Marked[key]
}

func (s *Store) writeNavigation() {
	if s.cache == nil {
		return
	}
	_ = s.cache.WriteNavigation(context.Background(), s.nav)
}

// SetViolation raises the violation count. Lower values are ignored.
func (s *Store) SetViolation(count int) bool {
	if count <= s.proctoring.ViolationCount {
		return false
	}
	s.proctoring.ViolationCount = count
	if s.cache != nil {
		_ = s.cache.WriteViolations(context.Background(), count)
	}
	return true
}

// SetSignals records the latest fullscreen and tab-activity signals.
func (s *Store) SetSignals(fullscreen, tabActive bool) {
	s.proctoring.IsFullscreen = fullscreen
	s.proctoring.IsTabActive = tabActive
}

// PatchExamMeta applies partial metadata updates from the server.
func (s *Store) PatchExamMeta(patch model.ExamMetaPatch) {
	if patch.Name != nil {
		s.exam.Name = *patch.Name
	}
	if patch.Duration != nil {
		s.exam.Duration = *patch.Duration
	}
	if patch.StartedAt != nil {
		started := *patch.StartedAt
		s.exam.StartedAt = &started
	}
	if patch.Status != nil && !s.IsSubmitted() {
		s.session.Status = *patch.Status
	}
	if patch.Questions != nil {
		questions, dropped := sanitizeQuestions(patch.Questions)
		if dropped > 0 {
			s.log.Warn().Int("dropped", dropped).Msg("Dropped questions with missing or duplicate ids")
		}
		s.exam.Questions = questions
		s.version++
		s.nav.Current = s.clamp(s.nav.Current)
		for _, fn := range s.questionHooks {
			fn()
		}
	}
}

func (s *Store) SetSaveStatus(status model.SaveStatus) { s.saveStatus = status }

// MarkSubmitted freezes the session. Pending local writes are dropped.
func (s *Store) MarkSubmitted() {
	s.session.Status = model.ExamStatusSubmitted
	if s.answerFlush != nil {
		s.answerFlush.Cancel()
	}
}

// Layout returns the cached display view for section.
func (s *Store) Layout(section Section) *Layout { return s.layoutFor(section) }

func (s *Store) layoutFor(section Section) *Layout {
	if s.layouts == nil || s.layoutsVersion != s.version {
		s.layouts = make(map[Section]*Layout)
		s.layoutsVersion = s.version
	}
	l, ok := s.layouts[section]
	if !ok {
		l = buildLayout(s.exam.Questions, section)
		s.layouts[section] = l
		s.layoutBuild++
	}
	return l
}

func (s *Store) clamp(i int) int {
	n := len(s.exam.Questions)
	if i < 0 || n == 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

// Close flushes the pending local answer write.
func (s *Store) Close() {
	if !s.IsSubmitted() {
		s.FlushAnswers()
	}
	if s.answerFlush != nil {
		s.answerFlush.Cancel()
	}
}
