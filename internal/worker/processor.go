package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/cuongbtq/agent-jobs/internal/worker/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cuongbtq/agent-jobs/internal/worker"

// JobStore is the persistence a worker needs
type JobStore interface {
	GetJob(ctx context.Context, id string) (*jobs.Record, error)
	UpdateJob(ctx context.Context, id string, patch jobs.Patch) (*jobs.Record, error)
	ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id, owner string) error
}

// Archiver keeps terminal jobs beyond the store TTL
type Archiver interface {
	Archive(ctx context.Context, rec *jobs.Record) error
}

// ProcessorConfig holds the per-job limits
type ProcessorConfig struct {
	WorkerID    string
	JobTimeout  time.Duration
	ClaimTTL    time.Duration
	MaxAttempts int
}

// Processor runs one job through its lifecycle. It is shared by the AMQP
// worker pool and the HTTP callback.
type Processor struct {
	store    JobStore
	agents   *Registry
	archiver Archiver
	config   ProcessorConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithArchiver copies terminal jobs to a long-term archive
func WithArchiver(a Archiver) ProcessorOption {
	return func(p *Processor) { p.archiver = a }
}

// WithProcessorLogger sets the processor logger
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithProcessorTracer sets the tracer used for process spans
func WithProcessorTracer(t trace.Tracer) ProcessorOption {
	return func(p *Processor) { p.tracer = t }
}

// NewProcessor creates a Processor
func NewProcessor(store JobStore, agents *Registry, config ProcessorConfig, opts ...ProcessorOption) *Processor {
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = config.JobTimeout + time.Minute
	}
	p := &Processor{
		store:  store,
		agents: agents,
		config: config,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process claims the job, runs its agent and records the outcome.
//
// A duplicate delivery while another worker holds the claim returns
// domain.ErrJobAlreadyClaimed. A job that already finished is returned as is.
// Agent failures are recorded on the job and do not produce an error. Store
// failures and interruption of ctx mid-run come back as *domain.RetryableError;
// an interrupted job is left processing for the next delivery.
func (p *Processor) Process(ctx context.Context, jobID string) (rec *jobs.Record, err error) {
	ctx, span := p.tracer.Start(ctx, "agentjobs.process",
		trace.WithAttributes(
			attribute.String("agentjobs.job_id", jobID),
			attribute.String("agentjobs.worker_id", p.config.WorkerID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if rec != nil {
			span.SetAttributes(attribute.String("agentjobs.status", string(rec.Status)))
		}
		span.End()
	}()

	// Step 1: Take the processing claim so duplicate deliveries become no-ops.
	// The owner is unique per call so one invocation never releases another's claim.
	owner := p.claimOwner()
	claimed, err := p.store.ClaimJob(ctx, jobID, owner, p.config.ClaimTTL)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}
	if !claimed {
		p.logger.Warn("Job already claimed, skipping",
			slog.String("job_id", jobID),
		)
		return nil, domain.ErrJobAlreadyClaimed
	}
	defer func() {
		if relErr := p.store.ReleaseClaim(context.WithoutCancel(ctx), jobID, owner); relErr != nil {
			p.logger.Warn("Failed to release job claim",
				slog.String("job_id", jobID),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	// Step 2: Load the job
	current, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, err
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if current.Status.IsTerminal() {
		p.logger.Info("Job already finished, skipping",
			slog.String("job_id", jobID),
			slog.String("status", string(current.Status)),
		)
		return current, nil
	}

	// Step 3: Count the attempt and move to processing
	running, err := p.start(ctx, current)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.String("agent_id", running.AgentID),
		slog.Int("attempt", running.Attempts),
	)

	if p.config.MaxAttempts > 0 && running.Attempts > p.config.MaxAttempts {
		failed, ferr := p.finish(ctx, running, nil, &jobs.JobError{
			Message: fmt.Sprintf("gave up after %d attempts", p.config.MaxAttempts),
			Name:    domain.ErrorNameMaxAttempts,
		})
		if ferr != nil {
			return nil, ferr
		}
		return failed, domain.ErrMaxAttemptsExceeded
	}

	// Step 4: Run the agent
	agent, agentID, ok := p.agents.Resolve(running.AgentID, running.PreferredAgent)
	if !ok {
		return p.finish(ctx, running, nil, &jobs.JobError{
			Message: fmt.Sprintf("%v: %s", domain.ErrUnknownAgent, running.AgentID),
			Name:    domain.ErrorNameUnknownAgent,
		})
	}
	span.SetAttributes(attribute.String("agentjobs.agent", agentID))

	result, jobErr := p.run(ctx, agent, running)

	if ctx.Err() != nil {
		p.logger.Warn("Job interrupted, leaving it for redelivery",
			slog.String("job_id", jobID),
			slog.Int("attempt", running.Attempts),
			slog.String("error", ctx.Err().Error()),
		)
		return nil, domain.NewRetryableError(fmt.Errorf("job %s interrupted: %w", jobID, ctx.Err()))
	}

	// Step 5: Record the outcome
	return p.finish(ctx, running, result, jobErr)
}

func (p *Processor) claimOwner() string {
	return p.config.WorkerID + ":" + uuid.NewString()
}

// start moves a queued job to processing, or counts another attempt on a job
// whose previous worker died mid-run
func (p *Processor) start(ctx context.Context, current *jobs.Record) (*jobs.Record, error) {
	patch := jobs.Patch{
		Attempts:     jobs.IntPtr(current.Attempts + 1),
		ExpectStatus: jobs.StatusPtr(current.Status),
	}
	if current.Status == jobs.StatusQueued {
		patch.Status = jobs.StatusPtr(jobs.StatusProcessing)
	}

	running, err := p.store.UpdateJob(ctx, current.ID, patch)
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", domain.ErrJobAlreadyClaimed, err)
		}
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, err
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to start job: %w", err))
	}
	return running, nil
}

// run executes the agent under the job timeout and converts failures into a
// JobError
func (p *Processor) run(ctx context.Context, agent Agent, job *jobs.Record) (*jobs.Result, *jobs.JobError) {
	runCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	result, err := agent.Run(runCtx, job)
	switch {
	case err == nil && result == nil:
		return nil, &jobs.JobError{Message: "agent returned no result", Name: domain.ErrorNameInvalidResult}
	case err == nil:
		return result, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &jobs.JobError{
			Message: fmt.Sprintf("agent did not finish within %s", p.config.JobTimeout),
			Name:    domain.ErrorNameTimeout,
		}
	default:
		return nil, &jobs.JobError{Message: err.Error(), Name: domain.ErrorNameAgent}
	}
}

// finish writes the terminal status and archives the job
func (p *Processor) finish(ctx context.Context, running *jobs.Record, result *jobs.Result, jobErr *jobs.JobError) (*jobs.Record, error) {
	patch := jobs.Patch{ExpectStatus: jobs.StatusPtr(jobs.StatusProcessing)}
	if jobErr != nil {
		patch.Status = jobs.StatusPtr(jobs.StatusFailed)
		patch.Error = jobErr
	} else {
		patch.Status = jobs.StatusPtr(jobs.StatusCompleted)
		patch.Result = result
	}

	// the outcome is recorded even if the delivery context was canceled meanwhile
	writeCtx := context.WithoutCancel(ctx)

	done, err := p.store.UpdateJob(writeCtx, running.ID, patch)
	if err != nil {
		p.logger.Error("Failed to record job outcome",
			slog.String("job_id", running.ID),
			slog.String("status", string(*patch.Status)),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, jobs.ErrConflict) || errors.Is(err, jobs.ErrInvalidTransition) {
			return nil, err
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to record job outcome: %w", err))
	}

	if jobErr != nil {
		p.logger.Warn("Job failed",
			slog.String("job_id", done.ID),
			slog.String("error_name", jobErr.Name),
			slog.String("error", jobErr.Message),
		)
	} else {
		p.logger.Info("Job completed successfully",
			slog.String("job_id", done.ID),
			slog.Int("attempts", done.Attempts),
		)
	}

	if p.archiver != nil {
		if err := p.archiver.Archive(writeCtx, done); err != nil {
			p.logger.Warn("Failed to archive job",
				slog.String("job_id", done.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return done, nil
}
