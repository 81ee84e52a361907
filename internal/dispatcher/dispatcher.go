// Package dispatcher turns submissions into queued jobs and hands their
// processing trigger to the broker.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/cuongbtq/agent-jobs/internal/broker"
	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cuongbtq/agent-jobs/internal/dispatcher"

// JobStore is the persistence the dispatcher relies on
type JobStore interface {
	CreateJob(ctx context.Context, rec *jobs.Record) error
	GetJob(ctx context.Context, id string) (*jobs.Record, error)
	ListUserJobs(ctx context.Context, userID string) ([]*jobs.Record, error)
}

// Submission is a caller's request to run an agent
type Submission struct {
	UserID         string      `json:"userId" validate:"required"`
	AgentID        string      `json:"agentId" validate:"required"`
	Message        string      `json:"message" validate:"required"`
	Context        jobs.Opaque `json:"context,omitempty" validate:"-"`
	PreferredAgent string      `json:"preferredAgent,omitempty"`
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks the required submission fields
func (s Submission) Validate() error {
	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return &jobs.ValidationError{Field: verrs[0].Field(), Reason: "is required"}
		}
		return err
	}
	return nil
}

// Dispatcher creates jobs and publishes their notifications
type Dispatcher struct {
	store     JobStore
	publisher broker.Publisher
	settings  Settings
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer used for enqueue spans
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithClock sets the time source for createdAt/updatedAt
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDGenerator replaces uuid generation
func WithIDGenerator(gen func() string) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// New creates a Dispatcher. Settings are checked on every call, not here, so a
// misconfigured process still starts and reports the problem per request.
func New(store JobStore, publisher broker.Publisher, settings Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		publisher: publisher,
		settings:  settings,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       func() time.Time { return time.Now().UTC().Round(0) },
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// preflight validates configuration and resolves the callback target before
// anything is written
func (d *Dispatcher) preflight() (string, error) {
	if err := d.settings.Check(); err != nil {
		return "", err
	}
	return d.settings.ResolveCallback()
}

// Enqueue persists a new queued job and publishes its notification.
//
// A persistence failure returns no record and publishes nothing. A publish
// failure returns the persisted record together with a *DispatchError.
func (d *Dispatcher) Enqueue(ctx context.Context, sub Submission) (rec *jobs.Record, err error) {
	ctx, span := d.tracer.Start(ctx, "agentjobs.enqueue",
		trace.WithAttributes(
			attribute.String("agentjobs.user_id", sub.UserID),
			attribute.String("agentjobs.agent_id", sub.AgentID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	destination, err := d.preflight()
	if err != nil {
		d.logger.Error("Refusing to enqueue job", slog.String("error", err.Error()))
		return nil, err
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := d.now()
	rec = &jobs.Record{
		ID:             d.newID(),
		UserID:         sub.UserID,
		AgentID:        sub.AgentID,
		Message:        sub.Message,
		Context:        sub.Context,
		PreferredAgent: sub.PreferredAgent,
		Status:         jobs.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
		Attempts:       0,
	}
	span.SetAttributes(attribute.String("agentjobs.job_id", rec.ID))

	if err := d.store.CreateJob(ctx, rec); err != nil {
		d.logger.Error("Failed to persist job",
			slog.String("job_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if err := d.publisher.Publish(ctx, destination, broker.Message{JobID: rec.ID}); err != nil {
		d.logger.Warn("Job persisted but publish failed",
			slog.String("job_id", rec.ID),
			slog.String("destination", destination),
			slog.String("error", err.Error()),
		)
		return rec, &DispatchError{JobID: rec.ID, Err: err}
	}

	d.logger.Info("Job enqueued",
		slog.String("job_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.String("agent_id", rec.AgentID),
	)

	return rec, nil
}

// Redispatch publishes the notification for an existing job again
func (d *Dispatcher) Redispatch(ctx context.Context, jobID string) (err error) {
	ctx, span := d.tracer.Start(ctx, "agentjobs.redispatch",
		trace.WithAttributes(attribute.String("agentjobs.job_id", jobID)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	destination, err := d.preflight()
	if err != nil {
		return err
	}

	if err := d.publisher.Publish(ctx, destination, broker.Message{JobID: jobID}); err != nil {
		return &DispatchError{JobID: jobID, Err: err}
	}
	return nil
}

// GetJobStatus returns the current record, or jobs.ErrJobNotFound
func (d *Dispatcher) GetJobStatus(ctx context.Context, jobID string) (*jobs.Record, error) {
	return d.store.GetJob(ctx, jobID)
}

// ListJobs returns the user's most recent jobs, newest first
func (d *Dispatcher) ListJobs(ctx context.Context, userID string) ([]*jobs.Record, error) {
	return d.store.ListUserJobs(ctx, userID)
}
