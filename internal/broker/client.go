// Package broker wraps the message broker behind a small request/reply API.
//
// A single connection and channel are shared by the whole process and are
// re-established in the background whenever they drop. Callers never see the
// raw handles, only Client.
package broker

import (
	"context"
	"errors"
	"log/slog"
)

var (
	// ErrNotConnected is returned when no broker connection is available, even
	// after the inline reconnect attempt.
	ErrNotConnected = errors.New("broker not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("broker client closed")
)

// Message is an outgoing task or reply.
type Message struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
	ContentType   string
	Headers       map[string]string
}

// Delivery is a message received from a reply destination. Exactly one of Ack
// or Nack should be called for a delivery the consumer takes ownership of.
type Delivery struct {
	CorrelationID string
	Body          []byte

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery builds a Delivery with the given acknowledgement callbacks.
// Nil callbacks make Ack and Nack no-ops.
func NewDelivery(correlationID string, body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{CorrelationID: correlationID, Body: body, ack: ack, nack: nack}
}

// Ack acknowledges the delivery.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack rejects the delivery, optionally requeueing it.
func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(requeue)
}

// Client is the transport used by the dispatcher and reply router.
type Client interface {
	// Publish sends msg to queue. When disconnected it makes one inline
	// reconnect attempt before failing with ErrNotConnected.
	Publish(ctx context.Context, queue string, msg Message) error
	// DeclareReplyQueue creates an exclusive, auto-deleted, server-named
	// destination and returns its name.
	DeclareReplyQueue(ctx context.Context) (string, error)
	// Consume starts a manual-ack consumer on queue. The returned channel is
	// closed when ctx is cancelled or the connection drops; cancelling ctx
	// also cancels the consumer on the broker.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// IsConnected reports whether a live connection is currently held.
	IsConnected() bool
	// Close stops reconnecting and releases the connection.
	Close() error
}

// Recorder observes connection attempts. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordConnect(transport string, err error)
}

func componentLogger(logger *slog.Logger, transport string) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger.With("component", "broker", "transport", transport)
}
