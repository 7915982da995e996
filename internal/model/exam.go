package model

import (
	"encoding/json"
	"time"
)

// ExamStatus enumerates the states of an attempt as seen by the client.
type ExamStatus string

const (
	ExamStatusNotStarted ExamStatus = "NOT_STARTED"
	ExamStatusInProgress ExamStatus = "IN_PROGRESS"
	ExamStatusSubmitted  ExamStatus = "SUBMITTED"
)

// DefaultAttemptID scopes storage before the server assigns an attempt.
const DefaultAttemptID = "new"

// ExamPayload is the exam document returned by the load endpoint.
type ExamPayload struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Duration     int        `json:"duration"`
	StartedAt    *string    `json:"startedAt,omitempty"`
	Status       ExamStatus `json:"status,omitempty"`
	Questions    []Question `json:"questions"`
	SavedAnswers AnswerMap  `json:"savedAnswers,omitempty"`
	SubmissionID *string    `json:"submissionId,omitempty"`
	HasSubmitted bool       `json:"hasSubmitted,omitempty"`
	AllowRetake  bool       `json:"allowRetake,omitempty"`
	Redirect     string     `json:"redirect,omitempty"`
	IsPractice   bool       `json:"isPractice,omitempty"`
}

// AttemptID returns the server-assigned attempt or DefaultAttemptID.
func (p *ExamPayload) AttemptID() string {
	if p.SubmissionID == nil || *p.SubmissionID == "" {
		return DefaultAttemptID
	}
	return *p.SubmissionID
}

// ParseStartedAt parses the authoritative start timestamp.
// ok is false when the exam has not started; err is set when a value is present but unparseable.
func ParseStartedAt(raw *string) (t time.Time, ok bool, err error) {
	if raw == nil || *raw == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// AnswersRequest is the body of the autosave and submit calls.
type AnswersRequest struct {
	Answers AnswerMap `json:"answers" binding:"required,answerkeys"`
}

// ExamMetaPatch carries partial exam metadata updates.
type ExamMetaPatch struct {
	Name      *string
	Duration  *int
	StartedAt *string
	Status    *ExamStatus
	Questions []Question
}

// CloneRaw copies a raw JSON message.
func CloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(json.RawMessage, len(m))
	copy(out, m)
	return out
}
