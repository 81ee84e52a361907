package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CallbackHeader names the AMQP header that carries the callback target
const CallbackHeader = "x-callback-url"

// amqpChannel is the part of the RabbitMQ client the publisher needs
type amqpChannel interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string, headers amqp.Table) error
}

// AMQPPublisher publishes messages to a RabbitMQ exchange. Consumers read the
// job id from the body; the callback target travels as a header.
type AMQPPublisher struct {
	ch amqpChannel
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher wraps a connected RabbitMQ client
func NewAMQPPublisher(ch amqpChannel) *AMQPPublisher {
	return &AMQPPublisher{ch: ch}
}

func (p *AMQPPublisher) Publish(ctx context.Context, destination string, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return p.ch.PublishWithRetry(ctx, body, ContentType, amqp.Table{CallbackHeader: destination})
}
