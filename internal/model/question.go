package model

import (
	"encoding/json"
	"strings"
)

// Question is a single exam question as delivered to the student.
type Question struct {
	ID           string          `json:"id"`
	Type         QuestionType    `json:"type"`
	QuestionText string          `json:"questionText,omitempty"`
	Marks        float64         `json:"marks,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

type QuestionType string

const (
	QuestionTypeMCQ         QuestionType = "MCQ"
	QuestionTypeMC          QuestionType = "MC"
	QuestionTypeAR          QuestionType = "AR"
	QuestionTypeINT         QuestionType = "INT"
	QuestionTypeNumeric     QuestionType = "NUMERIC"
	QuestionTypeMTF         QuestionType = "MTF"
	QuestionTypeSQ          QuestionType = "SQ"
	QuestionTypeCQ          QuestionType = "CQ"
	QuestionTypeDescriptive QuestionType = "DESCRIPTIVE"
)

// typePriority is the fixed section order: single-best-answer first,
// then multi-select, matching and finally free-response formats.
var typePriority = []QuestionType{
	QuestionTypeMCQ,
	QuestionTypeMC,
	QuestionTypeAR,
	QuestionTypeINT,
	QuestionTypeNumeric,
	QuestionTypeMTF,
	QuestionTypeSQ,
	QuestionTypeCQ,
	QuestionTypeDescriptive,
}

// Normalize upper-cases and trims the type tag.
func (t QuestionType) Normalize() QuestionType {
	return QuestionType(strings.ToUpper(strings.TrimSpace(string(t))))
}

// IsSubjective reports whether the type is a free-response format.
func (t QuestionType) IsSubjective() bool {
	switch t.Normalize() {
	case QuestionTypeSQ, QuestionTypeCQ, QuestionTypeDescriptive:
		return true
	}
	return false
}

// Priority returns the position of t in the section order.
// Unknown types sort after every known one.
func (t QuestionType) Priority() int {
	n := t.Normalize()
	for i, p := range typePriority {
		if p == n {
			return i
		}
	}
	return len(typePriority)
}
