package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/stemsi/exstem-runtime/internal/model"
)

// LoadOptions selects the exam variant to fetch.
type LoadOptions struct {
	Practice bool
	// Start asks the server to stamp startedAt.
	Start bool
}

// LoadExam fetches the exam document, retrying transient failures with
// exponential backoff. Each attempt is bounded by the load timeout.
func (c *Client) LoadExam(ctx context.Context, examID string, opts LoadOptions) (*model.ExamPayload, error) {
	path := "/exams/" + url.PathEscape(examID)
	if opts.Practice {
		path += "/practice"
	}
	var query url.Values
	if opts.Start {
		query = url.Values{"action": {"start"}}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			c.log.Warn().
				Err(lastErr).
				Str("exam_id", examID).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Retrying exam load")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		payload, err := c.loadOnce(ctx, path, query)
		if err == nil {
			if opts.Practice {
				payload.IsPractice = true
			}
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) loadOnce(ctx context.Context, path string, query url.Values) (*model.ExamPayload, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.do(actx, request{method: http.MethodGet, path: path, query: query})
	if err != nil {
		return nil, &TransientError{Op: "load exam", Err: err}
	}

	switch {
	case res.status == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case res.status >= 500, res.status == http.StatusRequestTimeout, res.status == http.StatusTooManyRequests:
		return nil, &TransientError{Op: "load exam", Status: res.status}
	case res.status < 200 || res.status > 299:
		return nil, &StatusError{Op: "load exam", Status: res.status, Message: statusMessage(res.status, errorMessage(res.body))}
	}

	doc := unwrap(res.body)
	if err := validateExamPayload(doc); err != nil {
		return nil, err
	}
	var payload model.ExamPayload
	if err := json.Unmarshal(doc, &payload); err != nil {
		return nil, fmt.Errorf("decode exam payload: %w", err)
	}
	return &payload, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveResponses pushes the full answer snapshot.
func (c *Client) SaveResponses(ctx context.Context, examID string, answers model.AnswerMap) error {
	body, err := jsonBody(model.AnswersRequest{Answers: answers})
	if err != nil {
		return err
	}

	res, err := c.do(ctx, request{
		method:      http.MethodPatch,
		path:        "/exams/" + url.PathEscape(examID) + "/responses",
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return &TransientError{Op: "save responses", Err: err}
	}

	switch {
	case res.status >= 200 && res.status <= 299:
		return nil
	case res.status == http.StatusForbidden:
		return ErrTerminalRejection
	case res.status == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &TransientError{Op: "save responses", Status: res.status}
	}
}

// SubmitOptions controls the finalize request.
type SubmitOptions struct {
	Practice       bool
	IdempotencyKey string
}

// SubmitResult is the server's acknowledgement of a finalize request.
type SubmitResult struct {
	SubmissionID string  `json:"submissionId,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Redirect     string  `json:"redirect,omitempty"`
}

// Submit finalizes the attempt. Any non-2xx response is returned as a
// *SubmissionError carrying the server's message.
func (c *Client) Submit(ctx context.Context, examID string, answers model.AnswerMap, opts SubmitOptions) (*SubmitResult, error) {
	body, err := jsonBody(model.AnswersRequest{Answers: answers})
	if err != nil {
		return nil, err
	}
	path := "/exams/" + url.PathEscape(examID) + "/submit"
	if opts.Practice {
		path = "/exams/" + url.PathEscape(examID) + "/practice/submit"
	}
	headers := map[string]string{}
	if opts.IdempotencyKey != "" {
		headers["Idempotency-Key"] = opts.IdempotencyKey
	}

	res, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        path,
		body:        body,
		contentType: "application/json",
		headers:     headers,
	})
	if err != nil {
		return nil, &SubmissionError{Message: fmt.Sprintf("network error: %v", err)}
	}
	if res.status < 200 || res.status > 299 {
		return nil, &SubmissionError{Status: res.status, Message: statusMessage(res.status, errorMessage(res.body))}
	}

	var out SubmitResult
	if data := unwrap(res.body); len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, &out); err != nil {
			c.log.Warn().Err(err).Msg("Unrecognised submit response body")
		}
	}
	return &out, nil
}

// UploadImage uploads a local image for questionID and returns its URL.
func (c *Client) UploadImage(ctx context.Context, examID, questionID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("questionId", questionID); err != nil {
		return "", fmt.Errorf("write form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("write form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	res, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/exams/" + url.PathEscape(examID) + "/upload-image",
		body:        &buf,
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return "", &TransientError{Op: "upload image", Err: err}
	}
	if res.status < 200 || res.status > 299 {
		return "", &StatusError{Op: "upload image", Status: res.status, Message: statusMessage(res.status, errorMessage(res.body))}
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(unwrap(res.body), &out); err != nil || out.URL == "" {
		return "", errors.New("upload image: response carried no url")
	}
	return out.URL, nil
}

// Ping measures the round trip to the health endpoint.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := c.clock.Now()
	res, err := c.do(ctx, request{method: http.MethodGet, path: "/healthz"})
	if err != nil {
		return 0, &TransientError{Op: "ping", Err: err}
	}
	if res.status < 200 || res.status > 299 {
		return 0, &TransientError{Op: "ping", Status: res.status}
	}
	return c.clock.Since(start), nil
}
