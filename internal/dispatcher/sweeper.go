package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
)

// PendingStore exposes the index of jobs that have not finished yet
type PendingStore interface {
	GetJob(ctx context.Context, id string) (*jobs.Record, error)
	ClaimHeld(ctx context.Context, id string) (bool, error)
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	ForgetPending(ctx context.Context, id string) error
}

// Redispatcher publishes a job notification again
type Redispatcher interface {
	Redispatch(ctx context.Context, jobID string) error
}

// SweeperConfig controls how often and how aggressively stuck jobs are retried
type SweeperConfig struct {
	Interval    time.Duration
	GracePeriod time.Duration
	BatchSize   int

	// StaleAfter is how long a processing job may go without an update
	// before it counts as abandoned. It should not be shorter than the
	// worker claim TTL.
	StaleAfter time.Duration
}

// Sweeper re-publishes jobs that stay queued past a grace period, which
// happens when the publish after a successful write failed or the broker
// dropped the message. It also re-publishes processing jobs whose worker
// died: no claim is held and the record has not moved for StaleAfter.
type Sweeper struct {
	store      PendingStore
	dispatcher Redispatcher
	config     SweeperConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper
func NewSweeper(store PendingStore, dispatcher Redispatcher, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 6 * time.Minute
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Run sweeps on every interval until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started",
		slog.Duration("interval", s.config.Interval),
		slog.Duration("grace_period", s.config.GracePeriod),
		slog.Duration("stale_after", s.config.StaleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs were re-published
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.PendingBefore(ctx, now.Add(-s.config.GracePeriod), s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	redispatched := 0
	for _, id := range ids {
		rec, err := s.store.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				s.forget(ctx, id, "expired")
				continue
			}
			return redispatched, err
		}

		if rec.Status.IsTerminal() {
			s.forget(ctx, id, string(rec.Status))
			continue
		}

		if rec.Status == jobs.StatusProcessing {
			abandoned, err := s.abandoned(ctx, rec, now)
			if err != nil {
				return redispatched, err
			}
			if !abandoned {
				continue
			}
		}

		if err := s.dispatcher.Redispatch(ctx, id); err != nil {
			s.logger.Warn("Failed to re-dispatch stuck job",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.store.MarkDispatched(ctx, id, now); err != nil {
			return redispatched, err
		}
		redispatched++

		s.logger.Info("Re-dispatched stuck job",
			slog.String("job_id", id),
			slog.String("status", string(rec.Status)),
			slog.Int("attempts", rec.Attempts),
			slog.Time("created_at", rec.CreatedAt),
		)
	}

	return redispatched, nil
}

// abandoned reports whether a processing job lost its worker
func (s *Sweeper) abandoned(ctx context.Context, rec *jobs.Record, now time.Time) (bool, error) {
	if now.Sub(rec.UpdatedAt) < s.config.StaleAfter {
		return false, nil
	}
	held, err := s.store.ClaimHeld(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	return !held, nil
}

func (s *Sweeper) forget(ctx context.Context, id, reason string) {
	if err := s.store.ForgetPending(ctx, id); err != nil {
		s.logger.Warn("Failed to drop job from pending index",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("Dropped job from pending index",
		slog.String("job_id", id),
		slog.String("reason", reason),
	)
}
