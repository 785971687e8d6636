package broker

import (
	"context"
	"time"
)

// Message is the pipeline envelope. It carries enough stage-agnostic context
// for any worker to process the request independently; the durable record is
// always the source of truth for state.
type Message struct {
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Delivery is one at-least-once delivery of a Message. Attempt is the
// broker-supplied delivery counter, monotonically increasing across
// redeliveries of the same message.
//
// Exactly one of Ack or Nack must be called per delivery. Ack destroys the
// message. Nack surrenders it for redelivery after the lease expires, or
// routes it to the dead-letter stream once the attempt budget is exhausted.
// Extend renews the lease so a slow stage call is not treated as a crash.
type Delivery interface {
	Message() Message
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, cause error) error
	Extend(ctx context.Context) error
}

// DeadLetter is a message the broker gave up on, kept for operator
// inspection. Envelope is identical to the original Message.
type DeadLetter struct {
	Message       Message   `json:"message"`
	LastError     string    `json:"last_error"`
	TotalAttempts int       `json:"total_attempts"`
	FailedAt      time.Time `json:"failed_at"`
}

// Broker provides at-least-once delivery with leases and dead-lettering.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Receive blocks until a delivery is available or ctx is done. New
	// messages and lease-expired redeliveries arrive through the same call.
	Receive(ctx context.Context) (Delivery, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}
