package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/middleware"
	"github.com/stemsi/exstem-runtime/internal/service"
	ws "github.com/stemsi/exstem-runtime/internal/websocket"
	"k8s.io/utils/clock"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ViolationQueue accepts monitor events for batched persistence.
type ViolationQueue interface {
	Enqueue(r service.ViolationRecord) bool
}

// WSHandler handles the exam monitor stream.
type WSHandler struct {
	queue    ViolationQueue
	clock    clock.PassiveClock
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(queue ViolationQueue, clk clock.PassiveClock, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		queue:    queue,
		clock:    clk,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamMonitorStream godoc
// WS /ws/v1/exams/:exam_id/stream
// Receives proctoring violations from a running attempt.
func (h *WSHandler) ExamMonitorStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	examID := c.Param("exam_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("student_id", claims.StudentID).
		Str("exam_id", examID).
		Logger()
	wsLog.Info().Msg("Monitor connected")

	for {
		action, raw, err := ws.ReadRequest(conn)
		if errors.Is(err, ws.ErrMalformed) {
			_ = ws.WriteError(conn, err.Error())
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch action {
		case ws.ActionPing:
			_ = ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		case ws.ActionCheat:
			h.handleCheat(conn, wsLog, examID, claims.StudentID, raw)
		default:
			wsLog.Warn().Str("action", string(action)).Msg("Unknown action")
			_ = ws.WriteError(conn, "unknown action: "+string(action))
		}
	}
}

// handleCheat validates a violation and queues it for persistence.
func (h *WSHandler) handleCheat(conn *websocket.Conn, wsLog zerolog.Logger, examID, studentID string, raw json.RawMessage) {
	var req ws.CheatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = ws.WriteError(conn, "malformed cheat payload")
		return
	}
	if !req.Payload.Reason.Valid() {
		_ = ws.WriteError(conn, "unknown reason: "+string(req.Payload.Reason))
		return
	}

	wsLog.Info().
		Str("attempt_id", req.Payload.AttemptID).
		Str("reason", string(req.Payload.Reason)).
		Int("count", req.Payload.Count).
		Bool("forced", req.Payload.Forced).
		Msg("Violation reported")

	accepted := h.queue.Enqueue(service.ViolationRecord{
		ExamID:     examID,
		StudentID:  studentID,
		Violation:  req.Payload,
		ReceivedAt: h.clock.Now(),
	})
	if !accepted {
		_ = ws.WriteError(conn, "monitor busy")
		return
	}
	_ = ws.WriteAck(conn, "recorded")
}
