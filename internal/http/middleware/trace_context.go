package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lessonreel/lessonreel-backend/internal/ctxutil"
)

const (
	headerTraceID       = "X-Trace-Id"
	headerCorrelationID = "X-Correlation-Id"
)

// AttachTraceContext accepts caller-supplied trace and correlation IDs or
// mints them, stores them on the request context, and echoes them back in
// the response headers. The correlation ID is the one persisted on the
// content request and threaded through every pipeline log line.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := strings.TrimSpace(c.GetHeader(headerCorrelationID))
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		traceID := strings.TrimSpace(c.GetHeader(headerTraceID))
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{
			TraceID:       traceID,
			CorrelationID: correlationID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set("trace_id", traceID)
		c.Set("correlation_id", correlationID)
		c.Writer.Header().Set(headerTraceID, traceID)
		c.Writer.Header().Set(headerCorrelationID, correlationID)
		c.Next()
	}
}
