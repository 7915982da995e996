package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/api"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/engine"
	"github.com/stemsi/exstem-runtime/internal/logger"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/platform"
	"github.com/stemsi/exstem-runtime/internal/storage"
	"github.com/stemsi/exstem-runtime/internal/submission"
)

// report is printed to stdout when the run ends.
type report struct {
	ExamID      string            `json:"examId"`
	AttemptID   string            `json:"attemptId,omitempty"`
	Status      model.ExamStatus  `json:"status,omitempty"`
	SaveStatus  model.SaveStatus  `json:"saveStatus,omitempty"`
	SubmitPhase submission.Phase  `json:"submitPhase,omitempty"`
	SubmitError string            `json:"submitError,omitempty"`
	SecondsLeft int               `json:"secondsLeft"`
	Navigations []string          `json:"navigations"`
	Notices     []platform.Notice `json:"notices"`
}

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := run(ctx, cfg, log)
	if rep != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	}
	if err != nil {
		log.Error().Err(err).Msg("Smoke run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*report, error) {
	if cfg.SmokeExamID == "" {
		return nil, errors.New("SMOKE_EXAM_ID is required")
	}
	answers, err := loadAnswers(cfg.SmokeAnswersFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	client, err := api.New(api.OptionsFromConfig(cfg, log))
	if err != nil {
		return nil, err
	}

	host := platform.NewHeadless()
	rep := &report{ExamID: cfg.SmokeExamID}
	defer func() {
		rep.Navigations = host.Navigations()
		rep.Notices = host.Notices()
	}()

	sess, err := engine.Open(ctx, engine.Deps{
		Config:     cfg,
		Client:     client,
		Store:      store,
		Fullscreen: host,
		Navigator:  host,
		Notifier:   host,
		Log:        log,
	}, cfg.SmokeExamID, engine.OpenOptions{Practice: cfg.SmokePractice})
	if errors.Is(err, engine.ErrAlreadySubmitted) {
		log.Info().Msg("Attempt already submitted")
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	defer sess.Close()

	if err := sess.Begin(ctx); err != nil {
		return rep, err
	}
	for key, value := range answers {
		if err := sess.SetAnswer(ctx, key, value); err != nil {
			return rep, err
		}
	}

	// First click opens the confirmation, the second submits.
	if err := sess.Submit(ctx); err != nil {
		return rep, err
	}
	if err := sess.Submit(ctx); err != nil {
		return rep, err
	}

	snap, err := waitSettled(ctx, sess, cfg.SmokeTimeout)
	rep.AttemptID = snap.Session.AttemptID
	rep.Status = snap.Session.Status
	rep.SaveStatus = snap.SaveStatus
	rep.SubmitPhase = snap.SubmitPhase
	rep.SubmitError = snap.SubmitError
	rep.SecondsLeft = snap.SecondsLeft
	if err != nil {
		return rep, err
	}
	if snap.SubmitPhase != submission.PhaseDone {
		return rep, fmt.Errorf("submission did not complete: %s", snap.SubmitError)
	}
	return rep, nil
}

// waitSettled polls until the submission finishes or fails.
func waitSettled(ctx context.Context, sess *engine.Session, timeout time.Duration) (engine.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if snap.SubmitPhase == submission.PhaseDone || snap.SubmitError != "" {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func loadAnswers(path string) (model.AnswerMap, error) {
	if path == "" {
		return model.AnswerMap{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	var answers model.AnswerMap
	if err := json.Unmarshal(raw, &answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	return answers, nil
}
