package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agent-jobs/internal/api/dto"
	"github.com/cuongbtq/agent-jobs/internal/broker"
	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/cuongbtq/agent-jobs/internal/worker/domain"
)

const maxCallbackBody = 64 << 10

// ProcessJob handles POST /api/v1/agent-jobs/worker
// Receives a signed broker delivery and runs the job. Any 2xx tells the
// broker the delivery is settled; 5xx asks it to retry.
func (h *JobHandler) ProcessJob(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	if err := h.verifier.Verify(c.GetHeader(broker.SignatureHeader), h.callbackURL, body); err != nil {
		h.logger.Warn("Rejected broker callback", slog.String("error", err.Error()))
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid signature",
		})
		return
	}

	msg, err := broker.DecodeMessage(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	rec, err := h.processor.Process(c.Request.Context(), msg.JobID)

	var retryable *domain.RetryableError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, dto.WorkerResponse{JobID: msg.JobID, Status: string(rec.Status)})

	case errors.As(err, &retryable):
		h.logger.Error("Job processing failed, asking broker to retry",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Temporary failure, retry later",
		})

	case errors.Is(err, domain.ErrJobAlreadyClaimed):
		c.JSON(http.StatusOK, dto.WorkerResponse{JobID: msg.JobID, Skipped: "already claimed"})

	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusOK, dto.WorkerResponse{JobID: msg.JobID, Skipped: "not found"})

	case errors.Is(err, domain.ErrMaxAttemptsExceeded):
		c.JSON(http.StatusOK, dto.WorkerResponse{JobID: msg.JobID, Status: string(jobs.StatusFailed), Skipped: "max attempts exceeded"})

	default:
		h.logger.Error("Job processing failed",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusOK, dto.WorkerResponse{JobID: msg.JobID, Skipped: err.Error()})
	}
}
