package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examDoc = `{"id":"e1","name":"Physics","duration":30,"startedAt":"2026-05-04T07:00:00Z","status":"IN_PROGRESS",
"questions":[{"id":"q1","type":"MCQ"},{"id":"q2","type":"CQ"}],"savedAnswers":{"q1":"B"},"submissionId":"s-1"}`

func enveloped(data string) string {
	return `{"data":` + data + `,"metadata":{"request_id":"r","timestamp":"t"}}`
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:     srv.URL + "/api/v1",
		Token:       "tok",
		LoadRetries: 3,
		LoadBackoff: time.Millisecond,
		LoadTimeout: 200 * time.Millisecond,
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New(Options{BaseURL: "/api/v1"})
	assert.Error(t, err)
}

func TestLoadExam_UnwrapsEnvelope(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		io.WriteString(w, enveloped(examDoc))
	}))

	p, err := c.LoadExam(context.Background(), "e1", LoadOptions{Start: true})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/exams/e1", got.URL.Path)
	assert.Equal(t, "start", got.URL.Query().Get("action"))
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.NotEmpty(t, got.Header.Get("X-Request-ID"))
	assert.Equal(t, "br, gzip", got.Header.Get("Accept-Encoding"))
	assert.Equal(t, "no-cache", got.Header.Get("Cache-Control"))

	assert.Equal(t, "Physics", p.Name)
	assert.Equal(t, 30, p.Duration)
	assert.Equal(t, "s-1", p.AttemptID())
	assert.Len(t, p.Questions, 2)
	assert.Equal(t, model.AnswerMap{"q1": "B"}, p.SavedAnswers)
	assert.False(t, p.IsPractice)
}

func TestLoadExam_BarePracticeDocument(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/exams/e1/practice", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("action"))
		io.WriteString(w, `{"id":"e1","duration":10,"questions":[]}`)
	}))

	p, err := c.LoadExam(context.Background(), "e1", LoadOptions{Practice: true})
	require.NoError(t, err)
	assert.True(t, p.IsPractice)
	assert.Nil(t, p.StartedAt)
	assert.Equal(t, model.DefaultAttemptID, p.AttemptID())
}

func TestLoadExam_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, examDoc)
	}))

	p, err := c.LoadExam(context.Background(), "e1", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "e1", p.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestLoadExam_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.LoadExam(context.Background(), "e1", LoadOptions{})
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.Status)
	assert.EqualValues(t, 4, calls.Load())
}

func TestLoadExam_TimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		io.WriteString(w, examDoc)
	}))

	_, err := c.LoadExam(context.Background(), "e1", LoadOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoadExam_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"data":null,"error":{"code":"NOT_FOUND","message":"Exam not found"},"metadata":{}}`)
	}))

	_, err := c.LoadExam(context.Background(), "missing", LoadOptions{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Exam not found", se.Message)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoadExam_Unauthorized(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.LoadExam(context.Background(), "e1", LoadOptions{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoadExam_RejectsMalformedPayload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"e1","duration":"thirty","questions":[{"id":"q1"}]}`)
	}))
	_, err := c.LoadExam(context.Background(), "e1", LoadOptions{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "invalid exam payload")
}

func TestLoadExam_DecodesBrotli(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		io.WriteString(bw, enveloped(examDoc))
		bw.Close()
		w.Header().Set("Content-Encoding", "br")
		w.Write(buf.Bytes())
	}))

	p, err := c.LoadExam(context.Background(), "e1", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Physics", p.Name)
}

func TestLoadExam_ContextCancelStopsRetrying(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	c.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.LoadExam(ctx, "e1", LoadOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSaveResponses(t *testing.T) {
	status := http.StatusOK
	var body model.AnswersRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/exams/e1/responses", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(status)
	}))
	ctx := context.Background()

	require.NoError(t, c.SaveResponses(ctx, "e1", model.AnswerMap{"q1": "A"}))
	assert.Equal(t, model.AnswerMap{"q1": "A"}, body.Answers)

	status = http.StatusForbidden
	assert.ErrorIs(t, c.SaveResponses(ctx, "e1", model.AnswerMap{"q1": "A"}), ErrTerminalRejection)

	status = http.StatusInternalServerError
	err := c.SaveResponses(ctx, "e1", model.AnswerMap{"q1": "A"})
	assert.True(t, IsTransient(err))
	assert.False(t, errors.Is(err, ErrTerminalRejection))
}

func TestSaveResponses_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(Options{BaseURL: srv.URL, Log: zerolog.Nop()})
	require.NoError(t, err)

	assert.True(t, IsTransient(c.SaveResponses(context.Background(), "e1", model.AnswerMap{"q1": "A"})))
}

func TestSubmit(t *testing.T) {
	var gotKey, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		io.WriteString(w, enveloped(`{"submissionId":"s-9","score":4}`))
	}))

	res, err := c.Submit(context.Background(), "e1", model.AnswerMap{"q1": "A"}, SubmitOptions{IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, "/api/v1/exams/e1/submit", gotPath)
	assert.Equal(t, "s-9", res.SubmissionID)

	_, err = c.Submit(context.Background(), "e1", model.AnswerMap{}, SubmitOptions{Practice: true})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/exams/e1/practice/submit", gotPath)
}

func TestSubmit_SurfacesServerMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":"Exam time has expired"}`)
	}))

	_, err := c.Submit(context.Background(), "e1", model.AnswerMap{"q1": "A"}, SubmitOptions{})
	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, "Exam time has expired", se.Error())
}

func TestUploadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sketch.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0o600))

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/exams/e1/upload-image", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "q7", r.FormValue("questionId"))
		if _, hdr, err := r.FormFile("file"); assert.NoError(t, err) {
			assert.Equal(t, "sketch.png", hdr.Filename)
		}
		io.WriteString(w, enveloped(`{"url":"/uploads/e1/sketch.png"}`))
	}))

	u, err := c.UploadImage(context.Background(), "e1", "q7", path)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/e1/sketch.png", u)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	d, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}
