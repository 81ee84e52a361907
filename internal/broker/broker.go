// Package broker delivers job notifications to the worker callback.
//
// A notification carries only the job id; workers read everything else from
// the job store. Delivery is at-least-once on every transport.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ContentType is the media type of every published message
const ContentType = "application/json"

// ErrInvalidMessage is returned when a delivered body is not a job notification
var ErrInvalidMessage = errors.New("invalid broker message")

// Message is the body published for a job
type Message struct {
	JobID string `json:"jobId"`
}

// Publisher hands a message to a transport that will deliver it to destination
type Publisher interface {
	Publish(ctx context.Context, destination string, msg Message) error
}

// Encode returns the wire form of msg
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a delivered body
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.JobID == "" {
		return Message{}, fmt.Errorf("%w: jobId is required", ErrInvalidMessage)
	}
	return msg, nil
}

// PublisherFunc adapts a function to the Publisher interface
type PublisherFunc func(ctx context.Context, destination string, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, destination string, msg Message) error {
	return f(ctx, destination, msg)
}
