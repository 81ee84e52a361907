package domain

// Acknowledger settles a delivery with the broker
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// JobMessage is one delivery handed to the worker pool
type JobMessage struct {
	JobID        string
	DeliveryTag  uint64
	Acknowledger Acknowledger
}
