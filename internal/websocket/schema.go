package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing  Action = "ping"
	ActionCheat Action = "cheat"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// Reason names the proctoring signal that produced a violation.
type Reason string

const (
	ReasonTabHidden      Reason = "tab_hidden"
	ReasonFocusLost      Reason = "focus_lost"
	ReasonFullscreenExit Reason = "fullscreen_exit"
	ReasonForcedSubmit   Reason = "forced_submit"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonTabHidden, ReasonFocusLost, ReasonFullscreenExit, ReasonForcedSubmit:
		return true
	}
	return false
}

// Violation describes one counted proctoring event.
type Violation struct {
	AttemptID string `json:"attempt_id"`
	Reason    Reason `json:"reason"`
	Count     int    `json:"count"`
	Max       int    `json:"max"`
	Forced    bool   `json:"forced,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CheatRequest is sent by the client to report a violation.
type CheatRequest struct {
	Action  Action    `json:"action"`
	Payload Violation `json:"payload"`
}

// PingRequest keeps the stream alive.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventSuccess Event = "success"
	EventPong    Event = "pong"
)

// EventEnvelope is the generic shape of every server message.
type EventEnvelope struct {
	Event  Event  `json:"event"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type AckResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
