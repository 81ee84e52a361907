package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(f *fixture) *Sweeper {
	s := NewSweeper(f.store, f.dispatcher, SweeperConfig{
		Interval:    time.Minute,
		GracePeriod: 5 * time.Minute,
		BatchSize:   10,
		StaleAfter:  15 * time.Minute,
	}, discardLogger())
	s.now = f.clock.Now
	return s
}

func TestSweeper_RedispatchesStuckJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := newTestSweeper(f)

	f.publisher.err = errors.New("broker unavailable")
	rec, err := f.dispatcher.Enqueue(ctx, Submission{UserID: "u1", AgentID: "echo", Message: "hi"})
	require.Error(t, err)
	f.publisher.err = nil

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "job is still within its grace period")

	f.clock.Advance(6 * time.Minute)
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, f.publisher.count())
	assert.Equal(t, rec.ID, f.publisher.messages[0].JobID)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a re-dispatched job waits another grace period")

	f.clock.Advance(6 * time.Minute)
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweeper_SkipsJobsThatMovedOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := newTestSweeper(f)

	picked, err := f.dispatcher.Enqueue(ctx, Submission{UserID: "u1", AgentID: "echo", Message: "picked"})
	require.NoError(t, err)
	_, err = f.store.UpdateJob(ctx, picked.ID, jobs.Patch{Status: jobs.StatusPtr(jobs.StatusProcessing), Attempts: jobs.IntPtr(1)})
	require.NoError(t, err)

	stuck, err := f.dispatcher.Enqueue(ctx, Submission{UserID: "u1", AgentID: "echo", Message: "stuck"})
	require.NoError(t, err)
	published := f.publisher.count()

	f.clock.Advance(10 * time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, stuck.ID, f.publisher.messages[published].JobID)
}

func TestSweeper_RecoversAbandonedProcessingJobs(t *testing.T) {
	tests := []struct {
		name       string
		claimOwner string
		wait       time.Duration
		redispatch bool
	}{
		{name: "worker still running", claimOwner: "worker-a", wait: 20 * time.Minute},
		{name: "recently started", wait: 10 * time.Minute},
		{name: "worker died", wait: 20 * time.Minute, redispatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sweeper := newTestSweeper(f)

			rec, err := f.dispatcher.Enqueue(ctx, Submission{UserID: "u1", AgentID: "echo", Message: "hi"})
			require.NoError(t, err)
			_, err = f.store.UpdateJob(ctx, rec.ID, jobs.Patch{
				Status:   jobs.StatusPtr(jobs.StatusProcessing),
				Attempts: jobs.IntPtr(1),
			})
			require.NoError(t, err)
			if tt.claimOwner != "" {
				ok, err := f.store.ClaimJob(ctx, rec.ID, tt.claimOwner, time.Hour)
				require.NoError(t, err)
				require.True(t, ok)
			}
			published := f.publisher.count()

			f.clock.Advance(tt.wait)
			n, err := sweeper.Sweep(ctx)
			require.NoError(t, err)

			if !tt.redispatch {
				assert.Zero(t, n)
				assert.Equal(t, published, f.publisher.count())
				ids, err := f.store.PendingBefore(ctx, f.clock.Now(), 10)
				require.NoError(t, err)
				assert.Contains(t, ids, rec.ID, "job stays indexed for a later sweep")
				return
			}

			assert.Equal(t, 1, n)
			require.Equal(t, published+1, f.publisher.count())
			assert.Equal(t, rec.ID, f.publisher.messages[published].JobID)

			got, err := f.store.GetJob(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusProcessing, got.Status, "sweeper never rewrites the record")
		})
	}
}

func TestSweeper_ForgetsFinishedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := newTestSweeper(f)

	rec, err := f.dispatcher.Enqueue(ctx, Submission{UserID: "u1", AgentID: "echo", Message: "hi"})
	require.NoError(t, err)
	_, err = f.store.UpdateJob(ctx, rec.ID, jobs.Patch{
		Status: jobs.StatusPtr(jobs.StatusCompleted),
		Result: &jobs.Result{PrimaryResponse: jobs.MustOpaque("done"), CollaborationResponses: []jobs.Opaque{}},
	})
	require.NoError(t, err)
	published := f.publisher.count()

	f.clock.Advance(time.Hour)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, published, f.publisher.count())
}

func TestSweeper_DropsExpiredJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sweeper := newTestSweeper(f)

	rec, err := f.dispatcher.Enqueue(ctx, Submission{UserID: "u1", AgentID: "echo", Message: "hi"})
	require.NoError(t, err)
	published := f.publisher.count()

	f.clock.Advance(f.store.TTL() + time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, published, f.publisher.count())

	ids, err := f.store.PendingBefore(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, rec.ID)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.store, f.dispatcher, SweeperConfig{Interval: time.Millisecond}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
