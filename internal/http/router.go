package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/lessonreel/lessonreel-backend/internal/http/handlers"
	httpMW "github.com/lessonreel/lessonreel-backend/internal/http/middleware"
	"github.com/lessonreel/lessonreel-backend/internal/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	ContentHandler  *httpH.ContentHandler
	PipelineHandler *httpH.PipelineHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.Log))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Intake and polling
		if cfg.ContentHandler != nil {
			api.POST("/requests", cfg.ContentHandler.Submit)
			api.GET("/requests/:id", cfg.ContentHandler.GetStatus)
		}

		// Queue operations
		if cfg.PipelineHandler != nil {
			api.GET("/pipeline/dead-letters", cfg.PipelineHandler.ListDeadLetters)
		}
	}

	return r
}
