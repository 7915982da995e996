package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTerminalRejection means the server refused an autosave because the
	// attempt is finalized or its time has elapsed.
	ErrTerminalRejection = errors.New("autosave rejected by server")
	// ErrUnauthorized is returned on 401 responses.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransientError is a failure worth retrying later: timeouts, dropped
// connections and non-terminal server errors.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SubmissionError carries the server's message for a failed finalize request.
type SubmissionError struct {
	Status  int
	Message string
}

func (e *SubmissionError) Error() string { return e.Message }

// StatusError is a non-2xx response that is neither transient nor terminal.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func statusMessage(status int, msg string) string {
	if msg != "" {
		return msg
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("request failed with status %d", status)
}
