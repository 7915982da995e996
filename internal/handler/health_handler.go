package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-runtime/internal/response"
)

// Healthz godoc
// GET /healthz
// Liveness probe; also used by the runtime to measure latency.
func Healthz(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"status": "ok"})
}
