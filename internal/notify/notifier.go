// Package notify consumes order-outcome events and tells the customer.
// Delivery is at-most-once by choice: a notification is never worth a
// poison-message loop, so the message is acknowledged before processing and
// every processing failure is logged and forgotten.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
)

// Broadcaster pushes an outcome to live dashboard clients.
type Broadcaster interface {
	Publish(event orders.OrderCompleted)
}

// Notifier drains the notifications queue.
type Notifier struct {
	queue queue.Queue
	hub   Broadcaster

	batchSize int
	waitTime  time.Duration

	logf        func(string, ...any)
	recordEvent func(name string)
}

// Option customizes a Notifier.
type Option func(*Notifier)

// WithBroadcaster fans each outcome out to the given hub.
func WithBroadcaster(hub Broadcaster) Option {
	return func(n *Notifier) { n.hub = hub }
}

// WithBatchSize sets how many messages one receive may return.
func WithBatchSize(size int) Option {
	return func(n *Notifier) { n.batchSize = size }
}

// WithWaitTime sets the long-poll window per receive.
func WithWaitTime(d time.Duration) Option {
	return func(n *Notifier) { n.waitTime = d }
}

// WithLogf overrides the notifier's log function.
func WithLogf(logf func(string, ...any)) Option {
	return func(n *Notifier) { n.logf = logf }
}

// WithEventRecorder installs a counter callback for notification events.
func WithEventRecorder(record func(name string)) Option {
	return func(n *Notifier) { n.recordEvent = record }
}

// NewNotifier wires a Notifier over the notifications queue.
func NewNotifier(q queue.Queue, opts ...Option) *Notifier {
	n := &Notifier{
		queue:       q,
		batchSize:   10,
		waitTime:    5 * time.Second,
		logf:        log.Printf,
		recordEvent: func(string) {},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run polls until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		envs, err := n.queue.Receive(ctx, n.batchSize, n.waitTime)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			n.logf("notify: receive: %v", err)
			continue
		}

		for _, env := range envs {
			// Ack first: the notification leg never redelivers.
			if err := n.queue.Delete(ctx, env); err != nil {
				n.logf("notify: ack %s: %v", env.ID, err)
			}
			n.Handle(env.Body)
		}
	}
}

// Handle processes one outcome event body. Failures are logged, never
// returned: there is no caller interested and no retry.
func (n *Notifier) Handle(body []byte) {
	var event orders.OrderCompleted
	if err := json.Unmarshal(body, &event); err != nil {
		n.logf("notify: undecodable event discarded: %v", err)
		return
	}

	switch event.Status {
	case orders.StatusCompleted:
		n.logf("notify: customer %s: order %s filled, trade %s, total %s",
			event.CustomerID, event.OrderID, event.TradeID, event.TotalCost)
	case orders.StatusRefunded:
		n.logf("notify: customer %s: order %s could not be filled, %s refunded",
			event.CustomerID, event.OrderID, event.TotalCost)
	default:
		n.logf("notify: customer %s: order %s %s", event.CustomerID, event.OrderID, event.Status)
	}
	n.recordEvent("notifications_sent")

	if n.hub != nil {
		n.hub.Publish(event)
	}
}
