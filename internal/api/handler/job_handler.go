package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/agent-jobs/internal/api/dto"
	"github.com/cuongbtq/agent-jobs/internal/archive"
	"github.com/cuongbtq/agent-jobs/internal/dispatcher"
	"github.com/cuongbtq/agent-jobs/internal/jobs"
)

// CreateJob handles POST /api/v1/agent-jobs
// Persists a queued job and triggers asynchronous processing
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	rec, err := h.jobs.Enqueue(c.Request.Context(), dispatcher.Submission{
		UserID:         req.UserID,
		AgentID:        req.AgentID,
		Message:        req.Message,
		Context:        req.Context,
		PreferredAgent: req.PreferredAgent,
	})

	var (
		cfgErr      *dispatcher.ConfigError
		dispatchErr *dispatcher.DispatchError
		validErr    *jobs.ValidationError
	)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, dto.FromRecord(rec))

	case errors.As(err, &dispatchErr) && rec != nil:
		// Persisted but not yet published; the sweeper retries the publish
		c.Header("Warning", `199 - "job queued, dispatch pending"`)
		c.JSON(http.StatusAccepted, dto.FromRecord(rec))

	case errors.As(err, &cfgErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Job queue is not configured",
			"missing": cfgErr.Missing,
		})

	case errors.Is(err, dispatcher.ErrNoCallbackTarget):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": err.Error(),
		})

	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validErr.Error(),
		})

	default:
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
	}
}

// GetJob handles GET /api/v1/agent-jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	rec, err := h.jobs.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromRecord(rec))
}

// ListUserJobs handles GET /api/v1/users/:user_id/agent-jobs
// Returns the user's most recent jobs, newest first
func (h *JobHandler) ListUserJobs(c *gin.Context) {
	userID := c.Param("user_id")

	recs, err := h.jobs.ListJobs(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list jobs",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs: dto.FromRecords(recs),
	})
}

// ListArchivedJobs handles GET /api/v1/users/:user_id/agent-jobs/archive
// Lists finished jobs kept past the store TTL, with cursor pagination
func (h *JobHandler) ListArchivedJobs(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Job archive is not enabled",
		})
		return
	}

	var req dto.ListArchivedJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	recs, err := h.archive.List(c.Request.Context(), archive.Filter{
		UserID:   c.Param("user_id"),
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list archived jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list archived jobs",
		})
		return
	}

	// One extra row is fetched to detect the next page
	hasMore := len(recs) > req.PageSize
	if hasMore {
		recs = recs[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		last := recs[len(recs)-1]
		nextCursor = EncodeJobCursor(&archive.Cursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       dto.FromRecords(recs),
		NextCursor: nextCursor,
	})
}
