package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
	closeWait = time.Second
)

// ErrMalformed wraps frames that are not a JSON object with an action.
var ErrMalformed = errors.New("malformed message")

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{Event: EventError, Error: errMsg})
}

// WriteAck acknowledges a request with the given status.
func WriteAck(conn *websocket.Conn, status string) error {
	return WriteTyped(conn, AckResponse{Event: EventSuccess, Status: status})
}

// ReadRequest reads one client frame and peeks its action. The raw frame is
// returned so the caller can decode the action-specific payload. Transport
// errors are returned as-is; decode failures wrap ErrMalformed.
func ReadRequest(conn *websocket.Conn) (Action, json.RawMessage, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return "", nil, ErrMalformed
		}
		return "", nil, err
	}
	var env RequestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", raw, ErrMalformed
	}
	return env.Action, raw, nil
}

// ReadEvent reads one server frame.
func ReadEvent(conn *websocket.Conn) (EventEnvelope, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	var ev EventEnvelope
	err := conn.ReadJSON(&ev)
	return ev, err
}

// CloseNormal sends a normal-closure frame and closes the connection.
func CloseNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	conn.Close()
}
