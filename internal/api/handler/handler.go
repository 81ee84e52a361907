package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/agent-jobs/internal/archive"
	"github.com/cuongbtq/agent-jobs/internal/dispatcher"
	"github.com/cuongbtq/agent-jobs/internal/jobs"
)

// JobService is the submission and status-query surface
type JobService interface {
	Enqueue(ctx context.Context, sub dispatcher.Submission) (*jobs.Record, error)
	GetJobStatus(ctx context.Context, jobID string) (*jobs.Record, error)
	ListJobs(ctx context.Context, userID string) ([]*jobs.Record, error)
}

// JobProcessor runs a delivered job
type JobProcessor interface {
	Process(ctx context.Context, jobID string) (*jobs.Record, error)
}

// SignatureVerifier authenticates broker callbacks
type SignatureVerifier interface {
	Verify(token, url string, body []byte) error
}

// ArchiveReader lists archived jobs
type ArchiveReader interface {
	List(ctx context.Context, filter archive.Filter) ([]*jobs.Record, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Jobs       JobService
	Processor  JobProcessor
	Verifier   SignatureVerifier
	Archive    ArchiveReader
	HealthDeps map[string]HealthChecker

	// CallbackURL is the URL signatures are expected to be issued for; empty
	// skips the check
	CallbackURL string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	jobs        JobService
	processor   JobProcessor
	verifier    SignatureVerifier
	archive     ArchiveReader
	callbackURL string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:      deps.Logger,
		jobs:        deps.Jobs,
		processor:   deps.Processor,
		verifier:    deps.Verifier,
		archive:     deps.Archive,
		callbackURL: deps.CallbackURL,
	}
}
