package worker

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/agent-jobs/internal/worker/domain"
)

// Consumer is the part of the RabbitMQ client the worker reads from
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Consumer      Consumer
	Processor     *Processor
	WorkerID      string
	QueueName     string
	Concurrency   int
	PrefetchCount int
}

// Worker consumes job notifications from RabbitMQ and runs them on a pool
// of goroutines
type Worker struct {
	logger        *slog.Logger
	consumer      Consumer
	processor     *Processor
	workerID      string
	queueName     string
	concurrency   int
	prefetchCount int
	jobsChan      chan *domain.JobMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:        cfg.Logger,
		consumer:      cfg.Consumer,
		processor:     cfg.Processor,
		workerID:      cfg.WorkerID,
		queueName:     cfg.QueueName,
		concurrency:   concurrency,
		prefetchCount: prefetch,
		jobsChan:      make(chan *domain.JobMessage, concurrency),
		stopChan:      make(chan struct{}),
	}
}

// Start subscribes to the queue and processes jobs until ctx is canceled or
// the delivery channel closes
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	// Blocks until ctx is canceled or RabbitMQ closes the channel
	w.startMessageDispatcher(ctx, deliveries)
	close(w.jobsChan)

	return nil
}

// Stop waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
