package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func newEngine(at time.Time) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(zerolog.Nop(), clocktesting.NewFakePassiveClock(at)))
	return r
}

func TestSuccess_StampsMetadata(t *testing.T) {
	at := time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)
	r := newEngine(at)
	r.GET("/", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"status": "ok"}) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Nil(t, body.Error)
	assert.Equal(t, "req-1", body.Metadata.RequestID)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	assert.Equal(t, at.Format(time.RFC3339Nano), body.Metadata.Timestamp)
}

func TestFail_Envelopes(t *testing.T) {
	r := newEngine(time.Now())
	r.GET("/fields", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"answers": "bad"})
	})
	r.GET("/limited", func(c *gin.Context) { AbortFail(c, http.StatusTooManyRequests, ErrRateLimitExceeded) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fields", nil))
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrValidation, body.Error.Code)
	assert.Equal(t, GetMessage(ErrValidation), body.Error.Message)
	assert.Equal(t, "bad", body.Error.Fields["answers"])
	assert.NotEmpty(t, body.Metadata.RequestID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
}
