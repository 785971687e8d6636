package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lessonreel/lessonreel-backend/internal/http/response"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/services"
)

type ContentHandler struct {
	log      *logger.Logger
	requests services.RequestService
}

func NewContentHandler(log *logger.Logger, requests services.RequestService) *ContentHandler {
	return &ContentHandler{
		log:      log.With("handler", "ContentHandler"),
		requests: requests,
	}
}

// POST /api/requests
func (h *ContentHandler) Submit(c *gin.Context) {
	var in services.SubmitInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	res, err := h.requests.Submit(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRequest) {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
		h.log.Error("Submit failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "submit_failed", err)
		return
	}

	if res.Clarification != nil {
		// Synchronous fast path: nothing was queued. Clients switch on the
		// status discriminator, same as the polling responses.
		response.RespondOK(c, gin.H{
			"status":               "clarification_needed",
			"clarifying_questions": res.Clarification.Questions,
			"reasoning":            res.Clarification.Reasoning,
		})
		return
	}

	response.RespondAccepted(c, gin.H{
		"request_id":     res.Accepted.ID,
		"correlation_id": res.Accepted.CorrelationID,
		"status":         res.Accepted.Status,
		"message":        "poll for progress",
	})
}

// GET /api/requests/:id
func (h *ContentHandler) GetStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil || id == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_id", err)
		return
	}

	view, err := h.requests.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrRequestNotFound) {
			response.RespondError(c, http.StatusNotFound, "request_not_found", nil)
			return
		}
		h.log.Error("GetStatus failed", "error", err, "request_id", id)
		response.RespondError(c, http.StatusInternalServerError, "load_request_failed", err)
		return
	}

	response.RespondOK(c, view)
}
