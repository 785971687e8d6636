package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lessonreel/lessonreel-backend/internal/broker"
	"github.com/lessonreel/lessonreel-backend/internal/http/response"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
	"github.com/lessonreel/lessonreel-backend/internal/utils"
)

// PipelineHandler exposes operational views of the queue, currently the
// dead-letter listing used when triaging exhausted requests.
type PipelineHandler struct {
	log   *logger.Logger
	queue broker.Broker
}

func NewPipelineHandler(log *logger.Logger, queue broker.Broker) *PipelineHandler {
	return &PipelineHandler{
		log:   log.With("handler", "PipelineHandler"),
		queue: queue,
	}
}

// GET /api/pipeline/dead-letters
func (h *PipelineHandler) ListDeadLetters(c *gin.Context) {
	limit := utils.ParseIntOr(c.Query("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	letters, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("ListDeadLetters failed", "error", err)
		response.RespondError(c, http.StatusInternalServerError, "list_dead_letters_failed", err)
		return
	}

	response.RespondOK(c, gin.H{"dead_letters": letters, "count": len(letters)})
}
