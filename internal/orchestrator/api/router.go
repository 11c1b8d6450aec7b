package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// SetupRoutes configures the work-loop status API routes.
// rateLimit is in requests per second; zero disables the limiter.
func SetupRoutes(router *gin.Engine, handler *Handler, rateLimit int, log *logger.Logger) {
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())
	if rateLimit > 0 {
		router.Use(RateLimit(rateLimit))
	}

	router.GET("/health", handler.Health)

	workloop := router.Group("/api/v1/workloop")
	{
		workloop.GET("/status", handler.Status)
		workloop.GET("/children", handler.ListChildren)
		workloop.GET("/runlog", handler.ListRunLog)
		workloop.GET("/events", handler.Events)
		workloop.POST("/cycle", handler.TriggerCycle)

		tasks := workloop.Group("/tasks")
		{
			tasks.POST("", handler.CreateTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.POST("/:taskId/kill", handler.KillTask)
		}
	}
}
