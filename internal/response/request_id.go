package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Gin context keys set by RequestIDMiddleware.
const (
	ContextKeyRequestID  = "request_id"
	ContextKeyReceivedAt = "received_at"
)

// RequestIDMiddleware reuses the caller's X-Request-ID or generates one,
// stamps the receipt time from clk, and writes one access line per request.
func RequestIDMiddleware(log zerolog.Logger, clk clock.PassiveClock) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Set(ContextKeyReceivedAt, clk.Now())
		c.Header("X-Request-ID", reqID)

		start := time.Now()
		c.Next()

		log.Debug().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
