package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/api"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/localcache"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/platform"
	"github.com/stemsi/exstem-runtime/internal/proctoring"
	"github.com/stemsi/exstem-runtime/internal/server"
	"github.com/stemsi/exstem-runtime/internal/service"
	"github.com/stemsi/exstem-runtime/internal/storage"
	"github.com/stemsi/exstem-runtime/internal/submission"
	"github.com/stemsi/exstem-runtime/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []websocket.Violation
}

func (s *recordingSink) Report(v websocket.Violation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, v)
	return true
}

func (s *recordingSink) Events() []websocket.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]websocket.Violation(nil), s.events...)
}

type harness struct {
	t      *testing.T
	clock  *clocktesting.FakeClock
	srv    *server.Server
	cfg    *config.Config
	store  *storage.MemoryStore
	host   *platform.Headless
	sink   *recordingSink
	client *api.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clocktesting.NewFakeClock(epoch)
	cfg := &config.Config{
		GinMode:            "test",
		JWTSecret:          "engine-secret",
		JWTExpiry:          time.Hour,
		UploadDir:          t.TempDir(),
		MaxUploadBytes:     1 << 20,
		AutosaveDebounce:   10 * time.Second,
		LocalCacheDebounce: time.Second,
		SavedRevert:        1500 * time.Millisecond,
		ErrorRevert:        3 * time.Second,
		ProbeInterval:      15 * time.Second,
		MaxViolations:      3,
		LowTimeWarning:     5 * time.Minute,
	}
	srv := server.New(cfg, service.DemoExams(), fc, zerolog.Nop())
	hs := httptest.NewServer(srv.Router)
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})

	token, err := srv.Tokens.Issue("student-1")
	require.NoError(t, err)
	cfg.APIBaseURL = hs.URL + "/api/v1"
	cfg.APIToken = token

	client, err := api.New(api.Options{
		BaseURL:     cfg.APIBaseURL,
		Token:       token,
		LoadTimeout: 2 * time.Second,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)

	return &harness{
		t:      t,
		clock:  fc,
		srv:    srv,
		cfg:    cfg,
		store:  storage.NewMemoryStore(1 << 20),
		host:   platform.NewHeadless(),
		sink:   &recordingSink{},
		client: client,
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Config:     h.cfg,
		Client:     h.client,
		Store:      h.store,
		Clock:      h.clock,
		Fullscreen: h.host,
		Navigator:  h.host,
		Notifier:   h.host,
		Sink:       h.sink,
		Log:        zerolog.Nop(),
	}
}

func (h *harness) open(examID string, opts OpenOptions) *Session {
	h.t.Helper()
	s, err := Open(context.Background(), h.deps(), examID, opts)
	require.NoError(h.t, err)
	h.t.Cleanup(s.Close)
	return s
}

func (h *harness) begin(examID string) *Session {
	h.t.Helper()
	s := h.open(examID, OpenOptions{})
	require.NoError(h.t, s.Begin(context.Background()))
	return s
}

// step advances the fake clock one second at a time, draining the
// session loop after each tick.
func (h *harness) step(s *Session, d time.Duration) {
	h.t.Helper()
	for d > 0 {
		inc := time.Second
		if d < inc {
			inc = d
		}
		h.clock.Step(inc)
		require.NoError(h.t, s.loop.Sync(context.Background()))
		d -= inc
	}
}

func (h *harness) snapshot(s *Session) Snapshot {
	h.t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) eventually(s *Session, cond func(Snapshot) bool, msg string) Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := h.snapshot(s)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("condition not met: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) notices() []string {
	var out []string
	for _, n := range h.host.Notices() {
		out = append(out, n.Message)
	}
	return out
}

func TestOpen_NotStarted(t *testing.T) {
	h := newHarness(t)
	s := h.open("demo-physics", OpenOptions{})

	snap := h.snapshot(s)
	assert.Equal(t, model.ExamStatusNotStarted, snap.Session.Status)
	assert.Equal(t, model.DefaultAttemptID, snap.Session.AttemptID)
	assert.Equal(t, 1200, snap.SecondsLeft)
	assert.False(t, snap.TimerRunning)
	assert.True(t, snap.ProctoringEnabled)
	require.Len(t, snap.Questions, 4)
	assert.Equal(t, "q1", snap.Questions[0].ID)
	require.NotNil(t, snap.Current)
	assert.Equal(t, "q1", snap.Current.ID)
	assert.Equal(t, "Physics Mid-Term", snap.Name)
}

func TestOpen_AlreadySubmittedRedirects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.client.LoadExam(ctx, "demo-physics", api.LoadOptions{Start: true})
	require.NoError(t, err)
	_, err = h.client.Submit(ctx, "demo-physics", model.AnswerMap{}, api.SubmitOptions{IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = Open(ctx, h.deps(), "demo-physics", OpenOptions{})
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
	assert.Equal(t, []string{"/exams/results/demo-physics"}, h.host.Navigations())
}

func TestBegin_RequiresFullscreen(t *testing.T) {
	h := newHarness(t)
	h.host.DenyFullscreen(true)
	s := h.open("demo-physics", OpenOptions{})

	err := s.Begin(context.Background())
	assert.ErrorIs(t, err, ErrFullscreenRequired)
	assert.Contains(t, h.notices(), noticeFullscreen)

	snap := h.snapshot(s)
	assert.Equal(t, model.ExamStatusNotStarted, snap.Session.Status)
	assert.False(t, snap.TimerRunning)
}

func TestBegin_SubjectiveExamSkipsFullscreen(t *testing.T) {
	h := newHarness(t)
	h.host.DenyFullscreen(true)
	s := h.begin("demo-essay")

	snap := h.snapshot(s)
	assert.Equal(t, model.ExamStatusInProgress, snap.Session.Status)
	assert.False(t, snap.ProctoringEnabled)
	assert.False(t, h.host.IsFullscreen())

	// Violations are not counted for subjective exams.
	require.NoError(t, s.ObserveProctoring(context.Background(), proctoring.Signals{TabVisible: false, Focused: true}))
	assert.Equal(t, 0, h.snapshot(s).Proctoring.ViolationCount)
}

func TestBegin_StartsCountdownUnderServerAttempt(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")

	snap := h.snapshot(s)
	assert.Equal(t, model.ExamStatusInProgress, snap.Session.Status)
	assert.NotEqual(t, model.DefaultAttemptID, snap.Session.AttemptID)
	assert.True(t, snap.TimerRunning)
	assert.Equal(t, 1200, snap.SecondsLeft)
	assert.True(t, h.host.IsFullscreen())

	h.step(s, 10*time.Second)
	assert.Equal(t, 1190, h.snapshot(s).SecondsLeft)
}

func TestBegin_CarriesPreStartAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.open("demo-physics", OpenOptions{})

	require.NoError(t, s.SetAnswer(ctx, "q1", "newton"))
	require.NoError(t, s.Begin(ctx))

	snap := h.snapshot(s)
	assert.NotEqual(t, model.DefaultAttemptID, snap.Session.AttemptID)
	assert.Equal(t, "newton", snap.Answers["q1"])

	stale := localcache.New(h.store, "demo-physics", model.DefaultAttemptID, zerolog.Nop()).Load(ctx)
	assert.Empty(t, stale.Answers)
	current := localcache.New(h.store, "demo-physics", snap.Session.AttemptID, zerolog.Nop()).Load(ctx)
	assert.Equal(t, "newton", current.Answers["q1"])

	h.step(s, 10*time.Second)
	h.eventually(s, func(snap Snapshot) bool { return snap.SaveStatus == model.SaveStatusSaved }, "saved")
	saved, _ := h.srv.Attempts.Answers("demo-physics", "student-1", false)
	assert.Equal(t, "newton", saved["q1"])
}

func TestAutosave_PushesDebouncedSnapshot(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	ctx := context.Background()

	require.NoError(t, s.SetAnswer(ctx, "q1", "newton"))
	require.NoError(t, s.SetAnswer(ctx, "q3", 9.8))
	h.step(s, 9*time.Second)
	saved, ok := h.srv.Attempts.Answers("demo-physics", "student-1", false)
	require.True(t, ok)
	assert.Empty(t, saved, "nothing is pushed before the debounce elapses")

	h.step(s, time.Second)
	h.eventually(s, func(snap Snapshot) bool { return snap.SaveStatus == model.SaveStatusSaved }, "saved")
	saved, _ = h.srv.Attempts.Answers("demo-physics", "student-1", false)
	assert.Equal(t, "newton", saved["q1"])
	assert.Equal(t, 9.8, saved["q3"])

	h.step(s, 2*time.Second)
	assert.Equal(t, model.SaveStatusIdle, h.snapshot(s).SaveStatus)
}

func TestOffline_EditsReplayOnReconnect(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, false))
	require.NoError(t, s.SetAnswer(ctx, "q1", "joule"))
	h.step(s, 10*time.Second)

	snap := h.snapshot(s)
	assert.True(t, snap.SyncPending)
	assert.False(t, snap.Online)
	saved, _ := h.srv.Attempts.Answers("demo-physics", "student-1", false)
	assert.Empty(t, saved)

	require.NoError(t, s.SetOnline(ctx, true))
	h.eventually(s, func(snap Snapshot) bool { return !snap.SyncPending && snap.SaveStatus == model.SaveStatusSaved }, "replayed")
	saved, _ = h.srv.Attempts.Answers("demo-physics", "student-1", false)
	assert.Equal(t, "joule", saved["q1"])
}

func TestClose_FlushesLocalCacheForReopen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := Open(ctx, h.deps(), "demo-physics", OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Begin(ctx))
	require.NoError(t, first.SetAnswer(ctx, "q2", []any{"velocity", "force"}))
	require.NoError(t, first.Next(ctx))
	attemptID := h.snapshot(first).Session.AttemptID
	first.Close()

	second := h.open("demo-physics", OpenOptions{})
	snap := h.snapshot(second)
	assert.Equal(t, attemptID, snap.Session.AttemptID)
	assert.Equal(t, []any{"velocity", "force"}, snap.Answers["q2"])
	assert.Equal(t, 1, snap.Navigation.Current)
}

func TestNavigation_ClampsAndMarks(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	ctx := context.Background()

	require.NoError(t, s.Prev(ctx))
	assert.Equal(t, 0, h.snapshot(s).Navigation.Current)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Next(ctx))
	}
	snap := h.snapshot(s)
	assert.Equal(t, 3, snap.Navigation.Current)
	assert.Equal(t, "q4", snap.Current.ID)

	marked, err := s.ToggleMark(ctx, "q4")
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = s.ToggleMark(ctx, "q4")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestSubmit_ConfirmThenFinalize(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	ctx := context.Background()
	require.NoError(t, s.SetAnswer(ctx, "q1", "newton"))
	attemptID := h.snapshot(s).Session.AttemptID

	require.NoError(t, s.Submit(ctx))
	assert.Equal(t, submission.PhaseConfirming, h.snapshot(s).SubmitPhase)
	require.NoError(t, s.CancelSubmit(ctx))
	assert.Equal(t, submission.PhaseIdle, h.snapshot(s).SubmitPhase)

	require.NoError(t, s.Submit(ctx))
	require.NoError(t, s.Submit(ctx))
	snap := h.eventually(s, func(snap Snapshot) bool { return snap.SubmitPhase == submission.PhaseDone }, "submitted")
	assert.Equal(t, model.ExamStatusSubmitted, snap.Session.Status)
	assert.False(t, snap.TimerRunning)
	assert.Equal(t, []string{"/exams/results/demo-physics"}, h.host.Navigations())

	saved, _ := h.srv.Attempts.Answers("demo-physics", "student-1", false)
	assert.Equal(t, "newton", saved["q1"])

	// Edits after submission are ignored.
	require.NoError(t, s.SetAnswer(ctx, "q1", "watt"))
	assert.Equal(t, "newton", h.snapshot(s).Answers["q1"])

	// The attempt's local cache scope is cleared.
	left := localcache.New(h.store, "demo-physics", attemptID, zerolog.Nop()).Load(ctx)
	assert.Empty(t, left.Answers)
	assert.Equal(t, 0, left.Violations)
}

func TestTimeUp_ForcesSubmission(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	require.NoError(t, s.SetAnswer(context.Background(), "q1", "newton"))

	h.step(s, 15*time.Minute)
	snap := h.snapshot(s)
	assert.True(t, snap.LowTime)
	assert.Contains(t, h.notices(), "Only 5 minutes remaining!")

	h.step(s, 5*time.Minute)
	snap = h.eventually(s, func(snap Snapshot) bool { return snap.SubmitPhase == submission.PhaseDone }, "forced submit")
	assert.Equal(t, 0, snap.SecondsLeft)
	assert.Contains(t, h.notices(), noticeTimeUp)

	saved, _ := h.srv.Attempts.Answers("demo-physics", "student-1", false)
	assert.Equal(t, "newton", saved["q1"])
}

func TestProctoring_ForcesSubmissionAtLimit(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	ctx := context.Background()

	away := proctoring.Signals{Fullscreen: false, TabVisible: true, Focused: true}
	back := proctoring.Signals{Fullscreen: true, TabVisible: true, Focused: true}

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ObserveProctoring(ctx, away))
		assert.True(t, h.snapshot(s).Blocked)
		require.NoError(t, s.ObserveProctoring(ctx, back))
	}
	assert.Equal(t, 2, h.snapshot(s).Proctoring.ViolationCount)
	assert.Contains(t, h.notices(), "Warning 1/3: Fullscreen exited. Return to fullscreen to continue.")

	require.NoError(t, s.ObserveProctoring(ctx, away))
	h.eventually(s, func(snap Snapshot) bool { return snap.SubmitPhase == submission.PhaseDone }, "forced submit")
	assert.Contains(t, h.notices(), noticeForced)

	events := h.sink.Events()
	require.Len(t, events, 4)
	assert.Equal(t, websocket.ReasonFullscreenExit, events[0].Reason)
	assert.True(t, events[3].Forced)
	assert.Equal(t, websocket.ReasonForcedSubmit, events[3].Reason)
}

func TestUploading_SuspendsViolations(t *testing.T) {
	h := newHarness(t)
	s := h.begin("demo-physics")
	ctx := context.Background()

	require.NoError(t, s.SetUploading(ctx, true))
	require.NoError(t, s.ObserveProctoring(ctx, proctoring.Signals{Fullscreen: true, TabVisible: false, Focused: true}))
	assert.Equal(t, 0, h.snapshot(s).Proctoring.ViolationCount)
	assert.True(t, h.snapshot(s).Uploading)
}

func TestPractice_NavigatesToPracticeResults(t *testing.T) {
	h := newHarness(t)
	s := h.open("demo-physics", OpenOptions{Practice: true})
	ctx := context.Background()
	require.NoError(t, s.Begin(ctx))
	assert.True(t, h.snapshot(s).Session.IsPractice)

	require.NoError(t, s.Submit(ctx))
	require.NoError(t, s.Submit(ctx))
	h.eventually(s, func(snap Snapshot) bool { return snap.SubmitPhase == submission.PhaseDone }, "submitted")

	navs := h.host.Navigations()
	require.Len(t, navs, 1)
	assert.True(t, strings.HasPrefix(navs[0], "/exams/practice/demo-physics/results"))
}
