package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/transcribe-batch/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "scheduler-service",
		})
	})

	// Prometheus scrape endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		batches := v1.Group("/batches")
		{
			// POST /api/v1/batches - Submit a batch of jobs
			batches.POST("", jobHandler.SubmitBatch)

			// GET /api/v1/batches/:batch_id - Get batch progress
			batches.GET("/:batch_id", jobHandler.GetBatch)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List archived jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job or batch
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		settings := v1.Group("/settings")
		{
			// PUT /api/v1/settings/pool-size - Resize the worker pool
			settings.PUT("/pool-size", jobHandler.SetPoolSize)

			// PUT /api/v1/settings/cache-capacity - Resize the result cache
			settings.PUT("/cache-capacity", jobHandler.SetCacheCapacity)
		}

		// DELETE /api/v1/cache - Drop all cached results
		v1.DELETE("/cache", jobHandler.ClearCache)

		// GET /api/v1/stats - Scheduler counters
		v1.GET("/stats", jobHandler.GetStats)
	}

	return r
}
