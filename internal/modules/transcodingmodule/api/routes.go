package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the transcoding API.
//
// API Structure:
//
//	/api/v1/jobs
//	├── POST   /            - Submit a job
//	├── GET    /            - Job history
//	├── GET    /stats       - History totals
//	├── GET    /events      - Websocket stream of job events
//	├── GET    /current     - Active job snapshot
//	├── DELETE /current     - Cancel the active job
//	├── GET    /:id         - One history record
//	└── DELETE /:id         - Cancel a job by ID
//
//	/health                 - Controller state and host resources
func RegisterRoutes(router *gin.Engine, handler *APIHandler, hub *EventHub) {
	jobs := router.Group("/api/v1/jobs")
	{
		jobs.POST("", handler.SubmitJob)
		jobs.GET("", handler.ListJobs)
		jobs.GET("/stats", handler.GetStats)
		jobs.GET("/current", handler.GetCurrentJob)
		jobs.DELETE("/current", handler.CancelCurrentJob)
		jobs.GET("/:id", handler.GetJob)
		jobs.DELETE("/:id", handler.CancelJob)

		if hub != nil {
			jobs.GET("/events", hub.HandleWebSocket)
		}
	}

	router.GET("/health", handler.Health)
}
