package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/stemsi/exstem-runtime/internal/model"
)

// ExamDefinition is one exam served by the stub.
type ExamDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Duration    int              `json:"duration"`
	AllowRetake bool             `json:"allowRetake"`
	Questions   []model.Question `json:"questions"`
	// AnswerKey maps question ids to the correct objective answer.
	AnswerKey map[string]any `json:"answerKey,omitempty"`
}

// LoadExamDefinitions reads a JSON array of exams from path. An empty path
// yields the demo catalogue.
func LoadExamDefinitions(path string) ([]ExamDefinition, error) {
	if path == "" {
		return DemoExams(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exams file: %w", err)
	}
	var defs []ExamDefinition
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("decode exams file: %w", err)
	}
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("exam %d: id is required", i)
		}
		if d.Duration <= 0 {
			return nil, fmt.Errorf("exam %s: duration must be positive", d.ID)
		}
	}
	if len(defs) == 0 {
		return nil, errors.New("exams file contains no exams")
	}
	return defs, nil
}

// DemoExams returns the built-in catalogue.
func DemoExams() []ExamDefinition {
	opts := func(s string) json.RawMessage { return json.RawMessage(s) }
	return []ExamDefinition{
		{
			ID:       "demo-physics",
			Name:     "Physics Mid-Term",
			Duration: 20,
			Questions: []model.Question{
				{ID: "q1", Type: model.QuestionTypeMCQ, QuestionText: "SI unit of force?", Marks: 1, Options: opts(`["newton","joule","watt","pascal"]`)},
				{ID: "q2", Type: model.QuestionTypeMC, QuestionText: "Which are vectors?", Marks: 2, Options: opts(`["velocity","mass","force","time"]`)},
				{ID: "q3", Type: model.QuestionTypeNumeric, QuestionText: "g on Earth in m/s^2 (1 dp)?", Marks: 1},
				{ID: "q4", Type: model.QuestionTypeMTF, QuestionText: "Match quantity to unit.", Marks: 2, Options: opts(`{"left":["energy","power"],"right":["J","W"]}`)},
			},
			AnswerKey: map[string]any{"q1": "newton", "q3": 9.8},
		},
		{
			ID:          "demo-essay",
			Name:        "Essay Practice",
			Duration:    30,
			AllowRetake: true,
			Questions: []model.Question{
				{ID: "e1", Type: model.QuestionTypeMCQ, QuestionText: "Pick the thesis statement.", Marks: 1, Options: opts(`["a","b","c"]`)},
				{ID: "e2", Type: model.QuestionTypeDescriptive, QuestionText: "Describe the water cycle.", Marks: 10},
			},
			AnswerKey: map[string]any{"e1": "b"},
		},
	}
}
