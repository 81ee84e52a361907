// Package storage persists agent jobs in a key/value store with expiration,
// plus a bounded per-user history index.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/cuongbtq/agent-jobs/internal/storage/kv"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultJobTTL is how long a job stays observable after its last write
	DefaultJobTTL = 24 * time.Hour

	// DefaultHistoryLimit caps the per-user history index
	DefaultHistoryLimit = 50

	// DefaultKeyPrefix namespaces every key the store writes
	DefaultKeyPrefix = "agentjobs:"

	listConcurrency = 10
)

// Store handles all job persistence for the dispatcher and the worker
type Store struct {
	kv           kv.Store
	logger       *slog.Logger
	now          func() time.Time
	ttl          time.Duration
	historyLimit int
	prefix       string
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for corrupt-record reports
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the time source used to stamp updatedAt
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTL sets the job expiration window
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithHistoryLimit sets the per-user history cap
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithKeyPrefix sets the namespace for all keys
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// NewStore creates a Store over the given key/value backend
func NewStore(backend kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:           backend,
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC().Round(0) },
		ttl:          DefaultJobTTL,
		historyLimit: DefaultHistoryLimit,
		prefix:       DefaultKeyPrefix,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL returns the job expiration window
func (s *Store) TTL() time.Duration { return s.ttl }

// Ping checks the backend connection
func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// CreateJob writes the record with expiration, then pushes its id onto the
// owner's history index. The two writes are independent: a crash between them
// leaves a record without a history entry, which readers tolerate.
func (s *Store) CreateJob(ctx context.Context, rec *jobs.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}

	if err := s.kv.Set(ctx, s.jobKey(rec.ID), data, s.ttl); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := s.kv.PushTrim(ctx, s.historyKey(rec.UserID), rec.ID, s.historyLimit); err != nil {
		return fmt.Errorf("failed to update job history: %w", err)
	}

	if rec.Status == jobs.StatusQueued {
		if err := s.kv.ZAdd(ctx, s.pendingKey(), rec.ID, float64(rec.CreatedAt.Unix())); err != nil {
			s.logger.Warn("Failed to index pending job",
				slog.String("job_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Debug("Job created",
		slog.String("job_id", rec.ID),
		slog.String("user_id", rec.UserID),
		slog.Duration("ttl", s.ttl),
	)

	return nil
}

// GetJob returns the stored record. Absent, expired and unreadable records all
// yield jobs.ErrJobNotFound; only backend failures are returned as other errors.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Record, error) {
	rec, _, err := s.read(ctx, id)
	return rec, err
}

// read returns the parsed record and the raw bytes it was parsed from
func (s *Store) read(ctx context.Context, id string) (*jobs.Record, []byte, error) {
	raw, err := s.kv.Get(ctx, s.jobKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, nil, jobs.ErrJobNotFound
		}
		return nil, nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec, err := jobs.Parse(raw)
	if err != nil {
		s.logger.Warn("Discarding unreadable job record",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return nil, nil, jobs.ErrJobNotFound
	}

	return rec, raw, nil
}

// UpdateJob merges patch onto the stored record and re-persists it with a
// refreshed expiration. The write only lands if the stored value is still the
// one that was read; otherwise jobs.ErrConflict is returned.
func (s *Store) UpdateJob(ctx context.Context, id string, patch jobs.Patch) (*jobs.Record, error) {
	current, raw, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := current.Apply(patch, s.now())
	if err != nil {
		return nil, err
	}

	data, err := next.Marshal()
	if err != nil {
		return nil, err
	}

	swapped, err := s.kv.CompareAndSwap(ctx, s.jobKey(id), raw, data, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: job %s", jobs.ErrConflict, id)
	}

	s.reindex(ctx, next)

	s.logger.Debug("Job updated",
		slog.String("job_id", id),
		slog.String("status", string(next.Status)),
		slog.Int("attempts", next.Attempts),
	)

	return next, nil
}

// reindex keeps the pending index in step with the record. Processing jobs stay
// indexed, scored by their last start, so a sweep can recover them if their
// worker dies; terminal jobs are dropped.
func (s *Store) reindex(ctx context.Context, rec *jobs.Record) {
	var err error
	switch {
	case rec.Status.IsTerminal():
		err = s.kv.ZRem(ctx, s.pendingKey(), rec.ID)
	case rec.Status == jobs.StatusProcessing:
		err = s.kv.ZAdd(ctx, s.pendingKey(), rec.ID, float64(rec.UpdatedAt.Unix()))
	default:
		return
	}
	if err != nil {
		s.logger.Warn("Failed to update pending index",
			slog.String("job_id", rec.ID),
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// ListUserJobs returns the user's most recent jobs, newest first. Ids whose
// record has expired or is unreadable are skipped.
func (s *Store) ListUserJobs(ctx context.Context, userID string) ([]*jobs.Record, error) {
	ids, err := s.kv.Range(ctx, s.historyKey(userID), s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read job history: %w", err)
	}

	found := make([]*jobs.Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)

	for i, id := range ids {
		g.Go(func() error {
			rec, err := s.GetJob(gctx, id)
			if err != nil {
				if errors.Is(err, jobs.ErrJobNotFound) {
					return nil
				}
				return err
			}
			found[i] = rec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to list jobs for user: %w", err)
	}

	out := make([]*jobs.Record, 0, len(found))
	for _, rec := range found {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// HistoryIDs returns the raw history index for a user
func (s *Store) HistoryIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.kv.Range(ctx, s.historyKey(userID), s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read job history: %w", err)
	}
	return ids, nil
}

// ClaimJob takes the short-lived processing claim for a job. It reports false
// when another owner already holds it.
func (s *Store) ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.kv.SetNX(ctx, s.claimKey(id), []byte(owner), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return ok, nil
}

// ReleaseClaim drops the claim if owner still holds it
func (s *Store) ReleaseClaim(ctx context.Context, id, owner string) error {
	if _, err := s.kv.CompareAndDelete(ctx, s.claimKey(id), []byte(owner)); err != nil {
		return fmt.Errorf("failed to release job claim: %w", err)
	}
	return nil
}

// ClaimHeld reports whether some worker currently holds the processing claim
func (s *Store) ClaimHeld(ctx context.Context, id string) (bool, error) {
	if _, err := s.kv.Get(ctx, s.claimKey(id)); err != nil {
		if errors.Is(err, kv.ErrNil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read job claim: %w", err)
	}
	return true, nil
}

// PendingBefore returns ids of unfinished jobs that entered the queue, were
// last started, or were last dispatched at or before cutoff
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ids, err := s.kv.ZRangeByScore(ctx, s.pendingKey(), float64(cutoff.Unix()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending jobs: %w", err)
	}
	return ids, nil
}

// MarkDispatched records a re-dispatch so the job is not picked again until
// another grace period passes
func (s *Store) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	if err := s.kv.ZAdd(ctx, s.pendingKey(), id, float64(at.Unix())); err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}
	return nil
}

// ForgetPending removes a job from the pending index
func (s *Store) ForgetPending(ctx context.Context, id string) error {
	if err := s.kv.ZRem(ctx, s.pendingKey(), id); err != nil {
		return fmt.Errorf("failed to drop pending job: %w", err)
	}
	return nil
}
