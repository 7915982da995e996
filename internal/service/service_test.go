package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_Expiry(t *testing.T) {
	now := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)
	s := NewTokenService(&config.Config{JWTSecret: "secret", JWTExpiry: time.Hour})
	s.now = func() time.Time { return now }

	tok, err := s.Issue("student-1")
	require.NoError(t, err)

	claims, err := s.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "student-1", claims.StudentID)
	assert.Equal(t, "student-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)

	now = now.Add(2 * time.Hour)
	_, err = s.Validate(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = s.Issue("")
	assert.Error(t, err)
}

func TestGrade(t *testing.T) {
	key := map[string]any{"q1": "newton", "q3": 9.8}

	assert.Equal(t, 100.0, grade(key, model.AnswerMap{"q1": "newton", "q3": 9.8}))
	assert.Equal(t, 50.0, grade(key, model.AnswerMap{"q1": "newton", "q3": "1"}))
	assert.Equal(t, 0.0, grade(key, model.AnswerMap{}))
	assert.Equal(t, 0.0, grade(nil, model.AnswerMap{"q1": "newton"}))
}

func TestLoadExamDefinitions(t *testing.T) {
	defs, err := LoadExamDefinitions("")
	require.NoError(t, err)
	assert.Equal(t, DemoExams(), defs)

	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	defs, err = LoadExamDefinitions(write("ok.json",
		`[{"id":"x","name":"X","duration":5,"questions":[{"id":"a","type":"MCQ"}]}]`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, model.QuestionTypeMCQ, defs[0].Questions[0].Type)

	_, err = LoadExamDefinitions(write("noid.json", `[{"duration":5}]`))
	assert.ErrorContains(t, err, "id is required")
	_, err = LoadExamDefinitions(write("zero.json", `[{"id":"x","duration":0}]`))
	assert.ErrorContains(t, err, "duration must be positive")
	_, err = LoadExamDefinitions(write("empty.json", `[]`))
	assert.ErrorContains(t, err, "no exams")
	_, err = LoadExamDefinitions(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSafeSegment(t *testing.T) {
	assert.Equal(t, "q1", safeSegment("q1"))
	assert.NotContains(t, safeSegment("../../etc"), "/")
}
