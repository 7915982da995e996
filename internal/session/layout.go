package session

import (
	"sort"

	"github.com/stemsi/exstem-runtime/internal/model"
)

// Section selects which part of the exam a view shows.
type Section string

const (
	SectionAll        Section = ""
	SectionObjective  Section = "objective"
	SectionSubjective Section = "subjective"
)

// Layout is the derived, display-ordered view of the question set.
type Layout struct {
	Ordered       []model.Question
	Objective     []model.Question
	Subjective    []model.Question
	Visible       []model.Question
	Counts        map[model.QuestionType]int
	HasSubjective bool
}

func buildLayout(questions []model.Question, section Section) *Layout {
	ordered := make([]model.Question, len(questions))
	copy(ordered, questions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Type.Priority() < ordered[j].Type.Priority()
	})

	l := &Layout{Ordered: ordered, Counts: make(map[model.QuestionType]int)}
	for _, q := range ordered {
		l.Counts[q.Type.Normalize()]++
		if q.Type.IsSubjective() {
			l.Subjective = append(l.Subjective, q)
		} else {
			l.Objective = append(l.Objective, q)
		}
	}
	l.HasSubjective = len(l.Subjective) > 0

	switch section {
	case SectionObjective:
		l.Visible = l.Objective
	case SectionSubjective:
		l.Visible = l.Subjective
	default:
		l.Visible = l.Ordered
	}
	return l
}

// sanitizeQuestions drops questions without an id and repeated ids,
// keeping the first occurrence.
func sanitizeQuestions(in []model.Question) (out []model.Question, dropped int) {
	seen := make(map[string]struct{}, len(in))
	out = make([]model.Question, 0, len(in))
	for _, q := range in {
		if q.ID == "" {
			dropped++
			continue
		}
		if _, dup := seen[q.ID]; dup {
			dropped++
			continue
		}
		seen[q.ID] = struct{}{}
		out = append(out, q)
	}
	return out, dropped
}
