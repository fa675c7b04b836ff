package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minatran/wabulk-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "wabulk-api-service",
		})
	})

	bulkJobHandler := handler.NewBulkJobHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/bulk-jobs")
		{
			// POST /api/v1/bulk-jobs - Submit a new bulk job
			jobs.POST("", bulkJobHandler.SubmitBulkJob)

			// GET /api/v1/bulk-jobs - List jobs with filtering and pagination
			jobs.GET("", bulkJobHandler.ListBulkJobs)

			// GET /api/v1/bulk-jobs/:job_id - Get job status with counts
			jobs.GET("/:job_id", bulkJobHandler.GetBulkJob)

			// POST /api/v1/bulk-jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", bulkJobHandler.CancelBulkJob)

			// GET /api/v1/bulk-jobs/:job_id/events - Live progress stream (SSE)
			jobs.GET("/:job_id/events", bulkJobHandler.StreamJobEvents)
		}
	}

	// Provider webhook routes
	webhooks := r.Group("/webhooks")
	{
		webhooks.GET("/whatsapp", webhookHandler.VerifyWebhook)
		webhooks.POST("/whatsapp", webhookHandler.ReceiveWebhook)
	}

	return r
}
