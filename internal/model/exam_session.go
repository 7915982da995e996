package model

import "strings"

// Session identifies one attempt of one exam.
type Session struct {
	ExamID     string     `json:"examId"`
	AttemptID  string     `json:"attemptId"`
	Status     ExamStatus `json:"status"`
	IsPractice bool       `json:"isPractice"`
}

// AnswerMap maps an answer key to a question-type specific value.
// Values are replaced wholesale by setters and must not be mutated in place.
type AnswerMap map[string]any

// Clone returns a shallow copy.
func (m AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const imageKeySuffix = "_images"

// ImageKey returns the answer key holding a question's attached images.
func ImageKey(questionID string) string {
	return questionID + imageKeySuffix
}

// ImageQuestionID returns the question id of an image key.
func ImageQuestionID(key string) (string, bool) {
	if !strings.HasSuffix(key, imageKeySuffix) {
		return "", false
	}
	return strings.TrimSuffix(key, imageKeySuffix), true
}

// Navigation is the persisted position and review marks of an attempt.
type Navigation struct {
	Current int             `json:"current"`
	Marked  map[string]bool `json:"marked"`
	Visited map[string]bool `json:"visited,omitempty"`
}

// NewNavigation returns an empty navigation state.
func NewNavigation() Navigation {
	return Navigation{Marked: map[string]bool{}, Visited: map[string]bool{}}
}

// Clone deep-copies the mark and visit sets.
func (n Navigation) Clone() Navigation {
	out := Navigation{Current: n.Current, Marked: make(map[string]bool, len(n.Marked)), Visited: make(map[string]bool, len(n.Visited))}
	for k, v := range n.Marked {
		if v {
			out.Marked[k] = true
		}
	}
	for k, v := range n.Visited {
		if v {
			out.Visited[k] = true
		}
	}
	return out
}

// NavigationPatch is a partial navigation update.
type NavigationPatch struct {
	Current *int
	Visit   []string
}

// ProctoringState tracks the anti-cheating signals of an attempt.
type ProctoringState struct {
	ViolationCount int  `json:"violationCount"`
	IsFullscreen   bool `json:"isFullscreen"`
	IsTabActive    bool `json:"isTabActive"`
}

// SaveStatus is the UI-facing autosave indicator.
type SaveStatus string

const (
	SaveStatusIdle   SaveStatus = "idle"
	SaveStatusSaving SaveStatus = "saving"
	SaveStatusSaved  SaveStatus = "saved"
	SaveStatusError  SaveStatus = "error"
)
