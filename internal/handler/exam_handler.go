package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-runtime/internal/middleware"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/response"
	"github.com/stemsi/exstem-runtime/internal/service"
	"github.com/stemsi/exstem-runtime/internal/validator"
)

// ExamHandler serves the exam attempt endpoints used by the runtime.
type ExamHandler struct {
	attempts *service.AttemptService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(attempts *service.AttemptService) *ExamHandler {
	return &ExamHandler{attempts: attempts}
}

// GetExam godoc
// GET /api/v1/exams/:exam_id[?action=start]
// Returns the exam document; action=start opens the attempt.
func (h *ExamHandler) GetExam(c *gin.Context) {
	h.getExam(c, false)
}

// GetPractice godoc
// GET /api/v1/exams/:exam_id/practice[?action=start]
func (h *ExamHandler) GetPractice(c *gin.Context) {
	h.getExam(c, true)
}

func (h *ExamHandler) getExam(c *gin.Context, practice bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	start := c.Query("action") == "start"
	payload, err := h.attempts.GetExam(c.Request.Context(), c.Param("exam_id"), claims.StudentID, practice, start)
	if err != nil {
		failAttempt(c, err)
		return
	}
	response.Success(c, http.StatusOK, payload)
}

// SaveResponses godoc
// PATCH /api/v1/exams/:exam_id/responses
// Replaces the stored answer snapshot of a running attempt.
func (h *ExamHandler) SaveResponses(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.AnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attempts.SaveResponses(c.Request.Context(), c.Param("exam_id"), claims.StudentID, req.Answers); err != nil {
		failAttempt(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// Submit godoc
// POST /api/v1/exams/:exam_id/submit
// Finalizes the attempt. Honours the Idempotency-Key header.
func (h *ExamHandler) Submit(c *gin.Context) {
	h.submit(c, false)
}

// SubmitPractice godoc
// POST /api/v1/exams/:exam_id/practice/submit
func (h *ExamHandler) SubmitPractice(c *gin.Context) {
	h.submit(c, true)
}

func (h *ExamHandler) submit(c *gin.Context, practice bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.AnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	receipt, err := h.attempts.Submit(
		c.Request.Context(),
		c.Param("exam_id"),
		claims.StudentID,
		practice,
		req.Answers,
		c.GetHeader("Idempotency-Key"),
	)
	if err != nil {
		failAttempt(c, err)
		return
	}
	response.Success(c, http.StatusOK, receipt)
}

// failAttempt maps attempt errors to status codes. Writes after the deadline
// or after submission are 403 so the runtime stops retrying them.
func failAttempt(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusConflict, response.ErrAttemptNotStarted)
	case errors.Is(err, service.ErrAttemptExpired):
		response.Fail(c, http.StatusForbidden, response.ErrAttemptExpired)
	case errors.Is(err, service.ErrAttemptFinalized):
		response.Fail(c, http.StatusForbidden, response.ErrAttemptFinalized)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
