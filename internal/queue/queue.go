package queue

import (
	"context"
	"time"
)

// Envelope is one received message. DeliveryCount reports how many times the
// message has been handed to a consumer, including this delivery.
type Envelope struct {
	ID            string
	Body          []byte
	DeliveryCount int
}

// Queue abstracts an at-least-once message queue with per-message visibility
// windows. A received message stays invisible to other consumers until it is
// deleted, its visibility window is re-extended, or the window lapses and the
// queue redelivers it.
type Queue interface {
	// Send enqueues a new message.
	Send(ctx context.Context, body []byte) error

	// Receive returns up to max messages, long-polling for at most wait
	// before returning an empty batch.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Envelope, error)

	// Delete acknowledges the message; it will never be delivered again.
	Delete(ctx context.Context, env Envelope) error

	// ChangeVisibility re-extends the message's invisibility window so the
	// next redelivery happens no sooner than timeout from now.
	ChangeVisibility(ctx context.Context, env Envelope, timeout time.Duration) error
}
