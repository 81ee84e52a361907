package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/cuongbtq/agent-jobs/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				w.logger.Debug("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			_, err := w.processor.Process(ctx, msg.JobID)
			w.settle(workerName, msg, err)
		}
	}
}

// settle acknowledges or rejects a delivery based on the processing result
func (w *Worker) settle(workerName string, msg *domain.JobMessage, err error) {
	if msg.Acknowledger == nil {
		w.logger.Error("Delivery has no acknowledger",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
		)
		return
	}

	if err == nil || !shouldRequeueJob(err) {
		if err != nil {
			w.logger.Info("Job delivery settled without processing",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("reason", err.Error()),
			)
		}
		if ackErr := msg.Acknowledger.Ack(msg.DeliveryTag, false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.String("error", err.Error()),
	)

	if nackErr := msg.Acknowledger.Nack(msg.DeliveryTag, false, true); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeueJob determines if a delivery should be retried based on the error type
func shouldRequeueJob(err error) bool {
	// Another worker owns it, or there is nothing left to do
	if errors.Is(err, domain.ErrJobAlreadyClaimed) ||
		errors.Is(err, domain.ErrMaxAttemptsExceeded) ||
		errors.Is(err, domain.ErrInvalidPayload) ||
		errors.Is(err, jobs.ErrJobNotFound) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
