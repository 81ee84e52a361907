package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agent-jobs/internal/api/handler"
	"github.com/cuongbtq/agent-jobs/internal/dispatcher"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps.HealthDeps))

	jobHandler := handler.NewJobHandler(deps)

	// Broker callback; authenticated by signature, not by CORS
	if deps.Processor != nil && deps.Verifier != nil {
		r.POST(dispatcher.WorkerPath, jobHandler.ProcessJob)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		agentJobs := v1.Group("/agent-jobs")
		{
			// POST /api/v1/agent-jobs - Submit a job
			agentJobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/agent-jobs/:job_id - Poll a job
			agentJobs.GET("/:job_id", jobHandler.GetJob)
		}

		users := v1.Group("/users/:user_id")
		{
			// GET /api/v1/users/:user_id/agent-jobs - Recent jobs
			users.GET("/agent-jobs", jobHandler.ListUserJobs)

			// GET /api/v1/users/:user_id/agent-jobs/archive - Finished jobs past the TTL
			users.GET("/agent-jobs/archive", jobHandler.ListArchivedJobs)
		}
	}

	return r
}

func healthHandler(checks map[string]handler.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(gin.H, len(checks))
		for name, check := range checks {
			if err := check.HealthCheck(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": "agent-jobs-api",
			"checks":  results,
		})
	}
}
