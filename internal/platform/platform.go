// Package platform abstracts the host capabilities an exam session needs.
package platform

import (
	"context"
	"errors"
	"sync"
)

// Level is the severity of a user-facing notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ErrFullscreenDenied is returned when the host refuses fullscreen.
var ErrFullscreenDenied = errors.New("fullscreen request denied")

// Fullscreen controls the exam window.
type Fullscreen interface {
	IsFullscreen() bool
	EnterFullscreen(ctx context.Context) error
}

// Navigator performs one-way navigations away from the exam.
type Navigator interface {
	Navigate(url string)
}

// Notifier shows a transient message to the student.
type Notifier interface {
	Notify(level Level, msg string)
}

// Notice is a recorded Notify call.
type Notice struct {
	Level   Level
	Message string
}

// Headless is an in-memory host for tests and non-interactive runs.
type Headless struct {
	mu          sync.Mutex
	fullscreen  bool
	denyEnter   bool
	navigations []string
	notices     []Notice
}

// NewHeadless creates a Headless host that grants fullscreen requests.
func NewHeadless() *Headless { return &Headless{} }

func (h *Headless) IsFullscreen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fullscreen
}

func (h *Headless) EnterFullscreen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyEnter {
		return ErrFullscreenDenied
	}
	h.fullscreen = true
	return nil
}

// ExitFullscreen simulates the student leaving fullscreen.
func (h *Headless) ExitFullscreen() {
	h.mu.Lock()
	h.fullscreen = false
	h.mu.Unlock()
}

// DenyFullscreen makes subsequent EnterFullscreen calls fail.
func (h *Headless) DenyFullscreen(deny bool) {
	h.mu.Lock()
	h.denyEnter = deny
	h.mu.Unlock()
}

func (h *Headless) Navigate(url string) {
	h.mu.Lock()
	h.navigations = append(h.navigations, url)
	h.mu.Unlock()
}

func (h *Headless) Notify(level Level, msg string) {
	h.mu.Lock()
	h.notices = append(h.notices, Notice{Level: level, Message: msg})
	h.mu.Unlock()
}

// Navigations returns every URL navigated to, in order.
func (h *Headless) Navigations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.navigations...)
}

// Notices returns every notice shown, in order.
func (h *Headless) Notices() []Notice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notice(nil), h.notices...)
}

// LogNotifier forwards notices to a logging function.
type LogNotifier func(level Level, msg string)

func (f LogNotifier) Notify(level Level, msg string) { f(level, msg) }
