package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/model"
	ws "github.com/stemsi/exstem-runtime/internal/websocket"
	"k8s.io/utils/clock"
)

// Attempt errors.
var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAttemptExpired   = errors.New("attempt deadline has passed")
	ErrAttemptFinalized = errors.New("attempt already submitted")
)

// DeadlineGrace is how long after the deadline writes are still accepted.
const DeadlineGrace = 2 * time.Minute

// SubmitReceipt acknowledges a finalized attempt.
type SubmitReceipt struct {
	SubmissionID string  `json:"submissionId"`
	Score        float64 `json:"score"`
	Redirect     string  `json:"redirect"`
}

// ViolationRecord is a proctoring violation received from the monitor stream.
type ViolationRecord struct {
	ExamID     string
	StudentID  string
	Violation  ws.Violation
	ReceivedAt time.Time
}

type attemptKey struct {
	examID    string
	studentID string
	practice  bool
}

type attempt struct {
	id        string
	startedAt time.Time
	answers   model.AnswerMap
	submitted bool
	submitKey string
	receipt   *SubmitReceipt
}

// AttemptService keeps exam attempts in memory.
type AttemptService struct {
	mu         sync.Mutex
	exams      map[string]ExamDefinition
	attempts   map[attemptKey]*attempt
	violations map[attemptKey][]ViolationRecord
	clock      clock.PassiveClock
	log        zerolog.Logger
}

// NewAttemptService creates an AttemptService serving defs.
func NewAttemptService(defs []ExamDefinition, clk clock.PassiveClock, log zerolog.Logger) *AttemptService {
	exams := make(map[string]ExamDefinition, len(defs))
	for _, d := range defs {
		exams[d.ID] = d
	}
	return &AttemptService{
		exams:      exams,
		attempts:   make(map[attemptKey]*attempt),
		violations: make(map[attemptKey][]ViolationRecord),
		clock:      clk,
		log:        log.With().Str("component", "attempt_service").Logger(),
	}
}

// ExamIDs lists the served exams.
func (s *AttemptService) ExamIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.exams))
	for id := range s.exams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetExam returns the exam document for a student. When start is set and no
// attempt is running, a new attempt is opened and stamped with startedAt.
func (s *AttemptService) GetExam(ctx context.Context, examID, studentID string, practice, start bool) (*model.ExamPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.exams[examID]
	if !ok {
		return nil, ErrExamNotFound
	}
	key := attemptKey{examID: examID, studentID: studentID, practice: practice}
	retake := def.AllowRetake || practice

	a := s.attempts[key]
	if a != nil && a.submitted {
		if !retake {
			return s.submittedPayload(def, a, practice), nil
		}
		if !start {
			p := s.payload(def, nil, practice)
			p.HasSubmitted = true
			return p, nil
		}
		delete(s.attempts, key)
		a = nil
	}

	if a == nil && start {
		a = &attempt{
			id:        uuid.New().String(),
			startedAt: s.clock.Now().UTC(),
			answers:   model.AnswerMap{},
		}
		s.attempts[key] = a
		s.log.Info().
			Str("exam_id", examID).
			Str("student_id", studentID).
			Str("attempt_id", a.id).
			Bool("practice", practice).
			Msg("Attempt started")
	}
	return s.payload(def, a, practice), nil
}

func (s *AttemptService) payload(def ExamDefinition, a *attempt, practice bool) *model.ExamPayload {
	p := &model.ExamPayload{
		ID:          def.ID,
		Name:        def.Name,
		Duration:    def.Duration,
		Questions:   def.Questions,
		Status:      model.ExamStatusNotStarted,
		AllowRetake: def.AllowRetake || practice,
		IsPractice:  practice,
	}
	if a == nil {
		return p
	}
	started := a.startedAt.Format(time.RFC3339Nano)
	id := a.id
	p.StartedAt = &started
	p.SubmissionID = &id
	p.Status = model.ExamStatusInProgress
	p.SavedAnswers = a.answers.Clone()
	return p
}

func (s *AttemptService) submittedPayload(def ExamDefinition, a *attempt, practice bool) *model.ExamPayload {
	p := s.payload(def, a, practice)
	p.Status = model.ExamStatusSubmitted
	p.HasSubmitted = true
	p.Redirect = a.receipt.Redirect
	return p
}

// SaveResponses replaces the stored answers of a running graded attempt.
func (s *AttemptService) SaveResponses(ctx context.Context, examID, studentID string, answers model.AnswerMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, _, err := s.writable(examID, studentID, false)
	if err != nil {
		return err
	}
	if a.submitted {
		return ErrAttemptFinalized
	}
	a.answers = answers.Clone()
	return nil
}

// Submit finalizes an attempt. A repeated request carrying the same
// idempotency key returns the original receipt.
func (s *AttemptService) Submit(ctx context.Context, examID, studentID string, practice bool, answers model.AnswerMap, idempotencyKey string) (*SubmitReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, def, err := s.writable(examID, studentID, practice)
	if err != nil {
		if errors.Is(err, ErrAttemptExpired) && a != nil && a.submitted {
			return s.replay(a, idempotencyKey)
		}
		return nil, err
	}
	if a.submitted {
		return s.replay(a, idempotencyKey)
	}

	a.answers = answers.Clone()
	a.submitted = true
	a.submitKey = idempotencyKey
	a.receipt = &SubmitReceipt{
		SubmissionID: a.id,
		Score:        grade(def.AnswerKey, a.answers),
		Redirect:     resultsPath(examID, practice),
	}

	s.log.Info().
		Str("exam_id", examID).
		Str("student_id", studentID).
		Str("attempt_id", a.id).
		Float64("score", a.receipt.Score).
		Msg("Attempt submitted")

	receipt := *a.receipt
	return &receipt, nil
}

func (s *AttemptService) replay(a *attempt, key string) (*SubmitReceipt, error) {
	if key == "" || key != a.submitKey {
		return nil, ErrAttemptFinalized
	}
	receipt := *a.receipt
	return &receipt, nil
}

// writable returns the attempt when it is still inside its deadline plus grace.
func (s *AttemptService) writable(examID, studentID string, practice bool) (*attempt, ExamDefinition, error) {
	def, ok := s.exams[examID]
	if !ok {
		return nil, def, ErrExamNotFound
	}
	a := s.attempts[attemptKey{examID: examID, studentID: studentID, practice: practice}]
	if a == nil {
		return nil, def, ErrAttemptNotFound
	}
	deadline := a.startedAt.Add(time.Duration(def.Duration)*time.Minute + DeadlineGrace)
	if s.clock.Now().After(deadline) {
		return a, def, ErrAttemptExpired
	}
	return a, def, nil
}

// RecordViolations appends a batch of monitor events.
func (s *AttemptService) RecordViolations(batch []ViolationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		key := attemptKey{examID: r.ExamID, studentID: r.StudentID}
		s.violations[key] = append(s.violations[key], r)
	}
}

// Violations returns the recorded violations of a student's graded attempt.
func (s *AttemptService) Violations(examID, studentID string) []ViolationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.violations[attemptKey{examID: examID, studentID: studentID}]
	out := make([]ViolationRecord, len(src))
	copy(out, src)
	return out
}

// Answers returns the stored answers of an attempt.
func (s *AttemptService) Answers(examID, studentID string, practice bool) (model.AnswerMap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.attempts[attemptKey{examID: examID, studentID: studentID, practice: practice}]
	if a == nil {
		return nil, false
	}
	return a.answers.Clone(), true
}

func grade(key map[string]any, answers model.AnswerMap) float64 {
	if len(key) == 0 {
		return 0
	}
	correct := 0
	for qid, want := range key {
		if got, ok := answers[qid]; ok && fmt.Sprint(got) == fmt.Sprint(want) {
			correct++
		}
	}
	return float64(correct) / float64(len(key)) * 100
}

func resultsPath(examID string, practice bool) string {
	if practice {
		return "/exams/practice/" + examID + "/results"
	}
	return "/exams/results/" + examID
}
