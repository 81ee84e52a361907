package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
	"github.com/cuongbtq/agent-jobs/internal/worker/domain"
)

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// fakeAcknowledger records how deliveries were settled
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 100)}
}

func (a *fakeAcknowledger) record(s settlement) error {
	a.mu.Lock()
	a.settled = append(a.settled, s)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	return a.record(settlement{tag: tag, ack: true})
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(settlement{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.record(settlement{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) waitFor(t *testing.T, n int) []settlement {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for settlement %d of %d", i+1, n)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.settled...)
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	prefetch   int
	qosErr     error
}

func (c *fakeConsumer) Qos(n int) error {
	c.prefetch = n
	return c.qosErr
}

func (c *fakeConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func TestWorker_ProcessesDeliveries(t *testing.T) {
	store := newTestStore()
	processor := newTestProcessor(store, NewRegistry(), ProcessorConfig{})
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 10)}
	acks := newFakeAcknowledger()

	w := NewWorker(&Config{
		Logger:      discardLogger(),
		Consumer:    consumer,
		Processor:   processor,
		WorkerID:    "worker-1",
		QueueName:   "agent-jobs",
		Concurrency: 2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	job := seedJob(t, store, nil)
	consumer.deliveries <- amqp.Delivery{
		Acknowledger: acks,
		DeliveryTag:  1,
		Body:         []byte(fmt.Sprintf(`{"jobId":%q}`, job.ID)),
	}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte(`not json`)}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: []byte(`{"jobId":"not-a-uuid"}`)}
	consumer.deliveries <- amqp.Delivery{
		Acknowledger: acks,
		DeliveryTag:  4,
		Body:         []byte(fmt.Sprintf(`{"jobId":%q}`, uuid.NewString())),
	}

	settled := acks.waitFor(t, 4)
	byTag := make(map[uint64]settlement, len(settled))
	for _, s := range settled {
		byTag[s.tag] = s
	}

	assert.True(t, byTag[1].ack, "processed job is acked")
	assert.False(t, byTag[2].ack, "malformed body is rejected")
	assert.False(t, byTag[2].requeue)
	assert.False(t, byTag[3].ack, "non-uuid id is rejected")
	assert.False(t, byTag[3].requeue)
	assert.True(t, byTag[4].ack, "unknown job is acked and dropped")

	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, stored.Status)
	assert.Equal(t, 2, consumer.prefetch)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	w.Stop()
}

func TestWorker_StopsWhenDeliveriesClose(t *testing.T) {
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery)}
	w := NewWorker(&Config{
		Logger:    discardLogger(),
		Consumer:  consumer,
		Processor: newTestProcessor(newTestStore(), NewRegistry(), ProcessorConfig{}),
		WorkerID:  "worker-1",
	})

	close(consumer.deliveries)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}

func TestWorker_QosFailure(t *testing.T) {
	consumer := &fakeConsumer{qosErr: errors.New("channel closed")}
	w := NewWorker(&Config{Logger: discardLogger(), Consumer: consumer, WorkerID: "w"})

	assert.Error(t, w.Start(context.Background()))
}

func TestWorker_SettleRequeuesRetryableErrors(t *testing.T) {
	acks := newFakeAcknowledger()
	w := NewWorker(&Config{Logger: discardLogger(), WorkerID: "w"})

	w.settle("w-0", &domain.JobMessage{JobID: "j", DeliveryTag: 7, Acknowledger: acks},
		domain.NewRetryableError(errors.New("redis timeout")))
	w.settle("w-0", &domain.JobMessage{JobID: "j", DeliveryTag: 8, Acknowledger: acks},
		domain.ErrJobAlreadyClaimed)

	settled := acks.waitFor(t, 2)
	assert.Equal(t, settlement{tag: 7, requeue: true}, settled[0])
	assert.Equal(t, settlement{tag: 8, ack: true}, settled[1])
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "retryable", err: domain.NewRetryableError(errors.New("timeout")), want: true},
		{name: "wrapped retryable", err: fmt.Errorf("ctx: %w", domain.NewRetryableError(errors.New("timeout"))), want: true},
		{name: "already claimed", err: domain.ErrJobAlreadyClaimed},
		{name: "max attempts", err: domain.ErrMaxAttemptsExceeded},
		{name: "invalid payload", err: domain.ErrInvalidPayload},
		{name: "not found", err: jobs.ErrJobNotFound},
		{name: "unknown", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}
