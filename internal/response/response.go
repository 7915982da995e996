package response

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// retryAfterSeconds is advertised on 429 responses.
const retryAfterSeconds = 60

// Response is the envelope every stub endpoint answers with.
type Response struct {
	Data     any        `json:"data"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody carries a machine code, a display message and optional
// per-field validation messages.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata ties a response to its request. Timestamp is the server's receipt
// time, which clients may use as a clock reference.
type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// Success sends data with the given status.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{
		Data:     data,
		Metadata: buildMetadata(c),
	})
}

// Fail sends an error envelope for code.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, failure(c, statusCode, code, nil))
}

// FailWithFields sends an error envelope with field-level validation details.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, failure(c, statusCode, code, fields))
}

// AbortFail stops the middleware chain and sends an error envelope.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, failure(c, statusCode, code, nil))
}

func failure(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) Response {
	if statusCode == http.StatusTooManyRequests {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	return Response{
		Error:    &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields},
		Metadata: buildMetadata(c),
	}
}

func buildMetadata(c *gin.Context) Metadata {
	id := c.GetString(ContextKeyRequestID)
	if id == "" {
		id = uuid.New().String()
	}
	at, ok := c.Get(ContextKeyReceivedAt)
	ts, _ := at.(time.Time)
	if !ok || ts.IsZero() {
		ts = time.Now()
	}
	return Metadata{
		RequestID: id,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}
