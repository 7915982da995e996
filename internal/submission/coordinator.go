// Package submission finalizes an attempt exactly once.
package submission

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/api"
	"github.com/stemsi/exstem-runtime/internal/localcache"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/platform"
	"github.com/stemsi/exstem-runtime/internal/session"
	"github.com/stemsi/exstem-runtime/internal/timer"
	"golang.org/x/sync/errgroup"
)

const (
	submitTimeout  = time.Minute
	uploadParallel = 4
	// LocalFilePrefix marks an image attachment that still lives on disk.
	LocalFilePrefix = "file://"
)

// Phase is the coordinator state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConfirming Phase = "confirming"
	PhaseSubmitting Phase = "submitting"
	PhaseDone       Phase = "done"
)

// Submitter is the server side of finalization.
type Submitter interface {
	Submit(ctx context.Context, examID string, answers model.AnswerMap, opts api.SubmitOptions) (*api.SubmitResult, error)
	UploadImage(ctx context.Context, examID, questionID, path string) (string, error)
}

// Options configures a Coordinator.
type Options struct {
	Post      timer.Poster
	Store     *session.Store
	Client    Submitter
	Cache     *localcache.Cache
	Navigator platform.Navigator
	Notifier  platform.Notifier
	// OnDone runs after a successful submission.
	OnDone func()
	Log    zerolog.Logger
}

// Coordinator walks idle → confirming → submitting → done. A failed
// request returns to confirming with local state intact, unless a forced
// submission arrived meanwhile.
type Coordinator struct {
	opts         Options
	store        *session.Store
	phase        Phase
	isSubmitting bool
	pendingForce bool
	idemKey      string
	lastErr      error
	result       *api.SubmitResult

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// New creates an idle Coordinator.
func New(opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{opts: opts, store: opts.Store, phase: PhaseIdle, ctx: ctx, cancel: cancel, log: opts.Log}
}

// Phase is the current submission step.
func (c *Coordinator) Phase() Phase { return c.phase }

// LastError returns the most recent submission failure.
func (c *Coordinator) LastError() error { return c.lastErr }

// Result returns the server acknowledgement once done.
func (c *Coordinator) Result() *api.SubmitResult { return c.result }

// Request is a user click on submit. The first click asks for
// confirmation, the second sends the request.
func (c *Coordinator) Request() {
	switch c.phase {
	case PhaseIdle:
		if c.store.IsSubmitted() {
			return
		}
		c.phase = PhaseConfirming
	case PhaseConfirming:
		c.submit()
	}
}

// Cancel backs out of the confirmation step.
func (c *Coordinator) Cancel() {
	if c.phase == PhaseConfirming {
		c.phase = PhaseIdle
	}
}

// Force submits without confirmation, showing notice to the student.
// While a request is in flight the force is held and re-issued if that
// request fails.
func (c *Coordinator) Force(notice string) {
	if c.phase == PhaseDone || c.store.IsSubmitted() {
		return
	}
	c.log.Info().Str("notice", notice).Bool("in_flight", c.isSubmitting).Msg("Forced submission")
	if notice != "" && c.opts.Notifier != nil {
		c.opts.Notifier.Notify(platform.LevelWarning, notice)
	}
	if c.isSubmitting {
		c.pendingForce = true
		return
	}
	c.submit()
}

// Stop abandons any in-flight request.
func (c *Coordinator) Stop() { c.cancel() }

func (c *Coordinator) submit() {
	if c.isSubmitting || c.phase == PhaseDone {
		return
	}
	c.isSubmitting = true
	c.phase = PhaseSubmitting
	c.lastErr = nil
	if c.idemKey == "" {
		c.idemKey = uuid.NewString()
	}

	sess := c.store.Session()
	answers := c.store.Answers()
	opts := api.SubmitOptions{Practice: sess.IsPractice, IdempotencyKey: c.idemKey}

	c.log.Info().Int("answers", len(answers)).Bool("practice", sess.IsPractice).Msg("Submitting exam")

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, submitTimeout)
		defer cancel()

		uploaded, err := c.uploadImages(ctx, sess.ExamID, answers)
		if err != nil {
			c.opts.Post(func() { c.complete(nil, nil, &api.SubmissionError{Message: err.Error()}) })
			return
		}
		final := answers.Clone()
		for k, v := range uploaded {
			final[k] = v
		}
		res, err := c.opts.Client.Submit(ctx, sess.ExamID, final, opts)
		c.opts.Post(func() { c.complete(uploaded, res, err) })
	}()
}

func (c *Coordinator) complete(uploaded model.AnswerMap, res *api.SubmitResult, err error) {
	c.isSubmitting = false
	if c.ctx.Err() != nil {
		return
	}

	if err != nil {
		// keep uploaded URLs so a retry does not upload again
		for k, v := range uploaded {
			c.store.SetAnswer(k, v)
		}
		c.phase = PhaseConfirming
		c.lastErr = err
		c.log.Error().Err(err).Msg("Submission failed")
		if c.opts.Notifier != nil {
			c.opts.Notifier.Notify(platform.LevelError, err.Error())
		}
		if c.pendingForce {
			c.pendingForce = false
			c.submit()
		}
		return
	}

	c.pendingForce = false
	c.phase = PhaseDone
	c.result = res
	c.store.MarkSubmitted()
	if c.opts.Cache != nil {
		_ = c.opts.Cache.Clear(context.Background())
	}
	c.log.Info().Msg("Exam submitted")
	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(platform.LevelInfo, "Exam submitted successfully.")
	}
	if c.opts.Navigator != nil {
		c.opts.Navigator.Navigate(ResultsURL(c.store.Session()))
	}
	if c.opts.OnDone != nil {
		c.opts.OnDone()
	}
}

// ResultsURL is where a finished attempt navigates to.
func ResultsURL(s model.Session) string {
	if s.IsPractice {
		return "/exams/practice/" + url.PathEscape(s.ExamID) + "/results"
	}
	return "/exams/results/" + url.PathEscape(s.ExamID)
}

// uploadImages uploads every local attachment in parallel and returns the
// image keys with their paths replaced by URLs.
func (c *Coordinator) uploadImages(ctx context.Context, examID string, answers model.AnswerMap) (model.AnswerMap, error) {
	out := model.AnswerMap{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallel)

	for key, v := range answers {
		qid, ok := model.ImageQuestionID(key)
		if !ok {
			continue
		}
		items, ok := v.([]any)
		if !ok || !hasLocal(items) {
			continue
		}
		replaced := make([]any, len(items))
		copy(replaced, items)
		mu.Lock()
		out[key] = replaced
		mu.Unlock()

		for i, item := range items {
			path, ok := item.(string)
			if !ok || !strings.HasPrefix(path, LocalFilePrefix) {
				continue
			}
			i, path := i, strings.TrimPrefix(path, LocalFilePrefix)
			g.Go(func() error {
				u, err := c.opts.Client.UploadImage(gctx, examID, qid, path)
				if err != nil {
					return fmt.Errorf("upload image for %s: %w", qid, err)
				}
				mu.Lock()
				replaced[i] = u
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func hasLocal(items []any) bool {
	for _, it := range items {
		if s, ok := it.(string); ok && strings.HasPrefix(s, LocalFilePrefix) {
			return true
		}
	}
	return false
}
