package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/cuongbtq/agent-jobs/internal/storage"
	"github.com/cuongbtq/agent-jobs/internal/storage/kv"
	"github.com/cuongbtq/agent-jobs/internal/worker/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore() *storage.Store {
	return storage.NewStore(kv.NewMemory(), storage.WithLogger(discardLogger()))
}

func seedJob(t *testing.T, store *storage.Store, mutate func(*jobs.Record)) *jobs.Record {
	t.Helper()
	now := time.Now().UTC().Round(0).Add(-time.Second)
	rec := &jobs.Record{
		ID:        uuid.NewString(),
		UserID:    "u1",
		AgentID:   EchoAgentID,
		Message:   "draft a tweet",
		Status:    jobs.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, store.CreateJob(context.Background(), rec))
	return rec
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []*jobs.Record
	err      error
}

func (a *recordingArchiver) Archive(_ context.Context, rec *jobs.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, rec)
	return a.err
}

func newTestProcessor(store JobStore, agents *Registry, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	opts = append([]ProcessorOption{WithProcessorLogger(discardLogger())}, opts...)
	return NewProcessor(store, agents, cfg, opts...)
}

func TestProcessor_CompletesJob(t *testing.T) {
	store := newTestStore()
	archiver := &recordingArchiver{}
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{MaxAttempts: 3}, WithArchiver(archiver))
	ctx := context.Background()
	job := seedJob(t, store, nil)

	done, err := p.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Nil(t, done.Error)

	var primary string
	require.NoError(t, done.Result.PrimaryResponse.Decode(&primary))
	assert.Equal(t, "draft a tweet", primary)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done, stored)
	assert.Equal(t, job.Message, stored.Message)
	assert.Equal(t, job.CreatedAt, stored.CreatedAt)

	require.Len(t, archiver.archived, 1)
	assert.Equal(t, job.ID, archiver.archived[0].ID)

	ok, err := store.ClaimJob(ctx, job.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim is released after processing")
}

func TestProcessor_DuplicateDeliveries(t *testing.T) {
	store := newTestStore()
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{})
	ctx := context.Background()

	t.Run("claimed elsewhere", func(t *testing.T) {
		job := seedJob(t, store, nil)
		ok, err := store.ClaimJob(ctx, job.ID, "other-worker", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = p.Process(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusQueued, stored.Status)
		assert.Zero(t, stored.Attempts)
	})

	t.Run("already finished", func(t *testing.T) {
		job := seedJob(t, store, nil)
		first, err := p.Process(ctx, job.ID)
		require.NoError(t, err)

		second, err := p.Process(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, second.Attempts)
	})

	t.Run("concurrent deliveries run the agent once", func(t *testing.T) {
		job := seedJob(t, store, nil)
		var runs int
		var mu sync.Mutex
		agents := NewRegistry()
		agents.Register(EchoAgentID, AgentFunc(func(ctx context.Context, j *jobs.Record) (*jobs.Result, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return echo(ctx, j)
		}))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wp := newTestProcessor(store, agents, ProcessorConfig{WorkerID: uuid.NewString()})
				_, _ = wp.Process(ctx, job.ID)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, runs)
		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
	})
}

func TestProcessor_MissingJob(t *testing.T) {
	p := newTestProcessor(newTestStore(), NewRegistry(), ProcessorConfig{})

	_, err := p.Process(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.False(t, shouldRequeueJob(err))
}

func TestProcessor_AgentFailures(t *testing.T) {
	tests := []struct {
		name     string
		agentID  string
		agent    Agent
		timeout  time.Duration
		wantName string
	}{
		{
			name:    "agent error",
			agentID: "flaky",
			agent: AgentFunc(func(context.Context, *jobs.Record) (*jobs.Result, error) {
				return nil, errors.New("model overloaded")
			}),
			wantName: domain.ErrorNameAgent,
		},
		{
			name:    "timeout",
			agentID: "slow",
			agent: AgentFunc(func(ctx context.Context, _ *jobs.Record) (*jobs.Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			timeout:  10 * time.Millisecond,
			wantName: domain.ErrorNameTimeout,
		},
		{
			name:    "no result",
			agentID: "empty",
			agent: AgentFunc(func(context.Context, *jobs.Record) (*jobs.Result, error) {
				return nil, nil
			}),
			wantName: domain.ErrorNameInvalidResult,
		},
		{
			name:     "unknown agent",
			agentID:  "nobody",
			wantName: domain.ErrorNameUnknownAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore()
			agents := NewRegistry()
			if tt.agent != nil {
				agents.Register(tt.agentID, tt.agent)
			}
			archiver := &recordingArchiver{}
			p := newTestProcessor(store, agents, ProcessorConfig{JobTimeout: tt.timeout}, WithArchiver(archiver))
			job := seedJob(t, store, func(r *jobs.Record) { r.AgentID = tt.agentID })

			done, err := p.Process(context.Background(), job.ID)
			require.NoError(t, err, "agent failures are recorded, not returned")
			assert.Equal(t, jobs.StatusFailed, done.Status)
			require.NotNil(t, done.Error)
			assert.Equal(t, tt.wantName, done.Error.Name)
			assert.NotEmpty(t, done.Error.Message)
			assert.Nil(t, done.Result)
			assert.Len(t, archiver.archived, 1)
		})
	}
}

func TestProcessor_PreferredAgentFallback(t *testing.T) {
	store := newTestStore()
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{})
	job := seedJob(t, store, func(r *jobs.Record) {
		r.AgentID = "research-team"
		r.PreferredAgent = EchoAgentID
	})

	done, err := p.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, "research-team", done.AgentID)
}

func TestProcessor_ResumesAfterCrash(t *testing.T) {
	store := newTestStore()
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{MaxAttempts: 3})
	job := seedJob(t, store, func(r *jobs.Record) {
		r.Status = jobs.StatusProcessing
		r.Attempts = 1
	})

	done, err := p.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
}

func TestProcessor_MaxAttempts(t *testing.T) {
	store := newTestStore()
	called := false
	agents := NewRegistry()
	agents.Register(EchoAgentID, AgentFunc(func(ctx context.Context, j *jobs.Record) (*jobs.Result, error) {
		called = true
		return echo(ctx, j)
	}))
	p := newTestProcessor(store, agents, ProcessorConfig{MaxAttempts: 2})
	job := seedJob(t, store, func(r *jobs.Record) {
		r.Status = jobs.StatusProcessing
		r.Attempts = 2
	})

	done, err := p.Process(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrMaxAttemptsExceeded)
	assert.False(t, shouldRequeueJob(err))
	assert.False(t, called)
	require.NotNil(t, done)
	assert.Equal(t, jobs.StatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, domain.ErrorNameMaxAttempts, done.Error.Name)
}

func TestProcessor_InterruptedRunIsRetried(t *testing.T) {
	tests := []struct {
		name  string
		agent func(cancel context.CancelFunc) AgentFunc
	}{
		{
			name: "agent returns the cancellation",
			agent: func(cancel context.CancelFunc) AgentFunc {
				return func(ctx context.Context, _ *jobs.Record) (*jobs.Result, error) {
					cancel()
					return nil, ctx.Err()
				}
			},
		},
		{
			name: "agent wraps the cancellation",
			agent: func(cancel context.CancelFunc) AgentFunc {
				return func(ctx context.Context, _ *jobs.Record) (*jobs.Result, error) {
					cancel()
					<-ctx.Done()
					return nil, fmt.Errorf("stream closed: %w", ctx.Err())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore()
			archiver := &recordingArchiver{}
			job := seedJob(t, store, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			interrupted := NewRegistry()
			interrupted.Register(EchoAgentID, tt.agent(cancel))
			p := newTestProcessor(store, interrupted, ProcessorConfig{MaxAttempts: 3}, WithArchiver(archiver))

			_, err := p.Process(ctx, job.ID)
			var retryable *domain.RetryableError
			require.ErrorAs(t, err, &retryable)
			assert.ErrorIs(t, err, context.Canceled)
			assert.True(t, shouldRequeueJob(err))

			stored, err := store.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusProcessing, stored.Status, "interruption is not an outcome")
			assert.Nil(t, stored.Error)
			assert.Empty(t, archiver.archived)

			retry := newTestProcessor(store, NewRegistry(), ProcessorConfig{MaxAttempts: 3})
			done, err := retry.Process(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusCompleted, done.Status)
			assert.Equal(t, 2, done.Attempts)
		})
	}
}

// ownerRecordingStore records the owners used to claim and release jobs
type ownerRecordingStore struct {
	*storage.Store
	mu       sync.Mutex
	claims   []string
	releases []string
}

func (s *ownerRecordingStore) ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	s.claims = append(s.claims, owner)
	s.mu.Unlock()
	return s.Store.ClaimJob(ctx, id, owner, ttl)
}

func (s *ownerRecordingStore) ReleaseClaim(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	s.releases = append(s.releases, owner)
	s.mu.Unlock()
	return s.Store.ReleaseClaim(ctx, id, owner)
}

func (s *ownerRecordingStore) firstClaim() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims[0]
}

func TestProcessor_ClaimOwnerIsPerInvocation(t *testing.T) {
	base := newTestStore()
	store := &ownerRecordingStore{Store: base}
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{WorkerID: "worker-a"})
	ctx := context.Background()

	first := seedJob(t, base, nil)
	second := seedJob(t, base, nil)
	_, err := p.Process(ctx, first.ID)
	require.NoError(t, err)
	_, err = p.Process(ctx, second.ID)
	require.NoError(t, err)

	require.Len(t, store.claims, 2)
	assert.NotEqual(t, store.claims[0], store.claims[1])
	for _, owner := range store.claims {
		assert.True(t, strings.HasPrefix(owner, "worker-a:"), owner)
	}
	assert.Equal(t, store.claims, store.releases, "each invocation releases its own claim")
}

func TestProcessor_ReleaseKeepsLaterClaim(t *testing.T) {
	base := newTestStore()
	store := &ownerRecordingStore{Store: base}
	ctx := context.Background()
	job := seedJob(t, base, nil)

	var p *Processor
	agents := NewRegistry()
	agents.Register(EchoAgentID, AgentFunc(func(ctx context.Context, j *jobs.Record) (*jobs.Result, error) {
		// the claim lapses mid-run and a redelivery on the same worker takes it
		if err := base.ReleaseClaim(ctx, j.ID, store.firstClaim()); err != nil {
			return nil, err
		}
		ok, err := base.ClaimJob(ctx, j.ID, p.claimOwner(), time.Minute)
		if err != nil || !ok {
			return nil, fmt.Errorf("redelivery could not claim: %v", err)
		}
		return echo(ctx, j)
	}))
	p = newTestProcessor(store, agents, ProcessorConfig{WorkerID: "worker-a"})

	done, err := p.Process(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, done.Status)

	held, err := base.ClaimHeld(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, held, "finishing invocation must not release a claim it no longer owns")
}

// failingStore fails selected operations with a connectivity error
type failingStore struct {
	*storage.Store
	failClaim  bool
	failGet    bool
	failUpdate bool
}

var errUnavailable = errors.New("connection refused")

func (f *failingStore) ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if f.failClaim {
		return false, errUnavailable
	}
	return f.Store.ClaimJob(ctx, id, owner, ttl)
}

func (f *failingStore) GetJob(ctx context.Context, id string) (*jobs.Record, error) {
	if f.failGet {
		return nil, errUnavailable
	}
	return f.Store.GetJob(ctx, id)
}

func (f *failingStore) UpdateJob(ctx context.Context, id string, patch jobs.Patch) (*jobs.Record, error) {
	if f.failUpdate {
		return nil, errUnavailable
	}
	return f.Store.UpdateJob(ctx, id, patch)
}

func TestProcessor_StoreFailuresAreRetryable(t *testing.T) {
	tests := []struct {
		name  string
		store func(*storage.Store) *failingStore
	}{
		{name: "claim", store: func(s *storage.Store) *failingStore { return &failingStore{Store: s, failClaim: true} }},
		{name: "get", store: func(s *storage.Store) *failingStore { return &failingStore{Store: s, failGet: true} }},
		{name: "update", store: func(s *storage.Store) *failingStore { return &failingStore{Store: s, failUpdate: true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := newTestStore()
			job := seedJob(t, base, nil)
			p := newTestProcessor(tt.store(base), NewRegistry(), ProcessorConfig{})

			_, err := p.Process(context.Background(), job.ID)
			var retryable *domain.RetryableError
			require.ErrorAs(t, err, &retryable)
			assert.ErrorIs(t, err, errUnavailable)
			assert.True(t, shouldRequeueJob(err))
		})
	}
}

func TestProcessor_ArchiveFailureDoesNotFailJob(t *testing.T) {
	store := newTestStore()
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{}, WithArchiver(&recordingArchiver{err: errors.New("db down")}))
	job := seedJob(t, store, nil)

	done, err := p.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
}

func TestProcessor_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	store := newTestStore()
	p := newTestProcessor(store, NewRegistry(), ProcessorConfig{}, WithProcessorTracer(tp.Tracer("test")))
	job := seedJob(t, store, nil)

	_, err := p.Process(context.Background(), job.ID)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "agentjobs.process", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("agentjobs.job_id", job.ID))
	assert.Contains(t, spans[0].Attributes(), attribute.String("agentjobs.status", "completed"))
}
