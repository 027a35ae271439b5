// Package api exposes the engine's admin surface over HTTP.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine serving h. Callers set gin's mode.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger.With("component", "http")))

	r.GET("/health", h.Health)
	r.GET("/status", h.Status)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/nodes/:node/stopped", h.NodeStopped)

		tenant := v1.Group("/tenants/:tenant")
		{
			tenant.POST("/pause", h.PauseTenant)
			tenant.POST("/resume", h.ResumeTenant)

			tenant.GET("/jobs", h.ListJobs)
			tenant.POST("/jobs", h.CreateJob)
			tenant.GET("/jobs/:name", h.GetJob)
			tenant.DELETE("/jobs/:name", h.DeleteJob)

			tenant.POST("/messages", h.PublishMessage)
			tenant.POST("/waiting-events", h.CreateWaitingEvent)
			tenant.DELETE("/waiting-events/:id", h.DeleteWaitingEvent)
		}
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("query", c.Request.URL.RawQuery),
			slog.Duration("latency", time.Since(start)),
		)
		for _, e := range c.Errors {
			logger.Error("request error", slog.String("error", e.Error()))
		}
	}
}
