package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
)

// scriptedQueue hands out pre-built batches, then reports cancellation so
// Run returns. It records every ack and visibility change.
type scriptedQueue struct {
	mu      sync.Mutex
	batches [][]queue.Envelope
	deleted []string
	delays  []time.Duration
}

func (q *scriptedQueue) Send(ctx context.Context, body []byte) error { return nil }

func (q *scriptedQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return nil, context.Canceled
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, nil
}

func (q *scriptedQueue) Delete(ctx context.Context, env queue.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, env.ID)
	return nil
}

func (q *scriptedQueue) ChangeVisibility(ctx context.Context, env queue.Envelope, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delays = append(q.delays, timeout)
	return nil
}

func newLoopFixture(t *testing.T, q queue.Queue) (*Loop, *fixture) {
	t.Helper()
	f := newFixture(t)
	loop := NewLoop(q, f.processor,
		WithBatchSize(10),
		WithWaitTime(10*time.Millisecond),
		WithLoopLogf(func(string, ...any) {}),
	)
	return loop, f
}

func TestLoop_AcksHandledMessages(t *testing.T) {
	q := &scriptedQueue{batches: [][]queue.Envelope{
		{
			{ID: "m1", Body: eventBody(t, "order-1"), DeliveryCount: 1},
			{ID: "m2", Body: []byte("{not json"), DeliveryCount: 1},
		},
	}}
	loop, f := newLoopFixture(t, q)

	if err := loop.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.deleted) != 2 {
		t.Fatalf("expected both messages ack'd, got %v", q.deleted)
	}
	if _, err := f.repo.GetByID(context.Background(), "order-1"); err != nil {
		t.Fatalf("expected persisted order: %v", err)
	}
}

func TestLoop_RetryableBacksOffPerDelivery(t *testing.T) {
	// An order with quantity 0 never validates, so every delivery is
	// retryable until the queue's own cap dead-letters it.
	body := []byte(`{"order_id":"order-1","customer_id":"cust-1","stock_symbol":"VALE3","quantity":0,"price":"60.00","created_at":"2024-01-02T03:04:05Z"}`)
	q := &scriptedQueue{batches: [][]queue.Envelope{
		{{ID: "m1", Body: body, DeliveryCount: 1}},
		{{ID: "m1", Body: body, DeliveryCount: 2}},
		{{ID: "m1", Body: body, DeliveryCount: 3}},
	}}
	loop, _ := newLoopFixture(t, q)

	if err := loop.Run(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.deleted) != 0 {
		t.Fatalf("retryable messages must not be ack'd, got %v", q.deleted)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(q.delays) != len(want) {
		t.Fatalf("expected %d visibility changes, got %d", len(want), len(q.delays))
	}
	for i, d := range want {
		if q.delays[i] != d {
			t.Fatalf("delivery %d: delay %s, want %s", i+1, q.delays[i], d)
		}
	}
}

func TestLoop_DrainsRealQueue(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Send(ctx, eventBody(t, "order-1")); err != nil {
		t.Fatalf("send: %v", err)
	}

	loop, f := newLoopFixture(t, q)
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := f.repo.GetByID(ctx, "order-1"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}

	// The handled message was ack'd before the loop exited.
	envs, err := q.Receive(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("expected drained queue, got %d messages", len(envs))
	}
}

func TestLoop_RateLimiterStopsOnShutdown(t *testing.T) {
	q := &scriptedQueue{batches: [][]queue.Envelope{
		{{ID: "m1", Body: eventBody(t, "order-1"), DeliveryCount: 1}},
	}}
	f := newFixture(t)

	// Zero-burst limiter: Wait blocks until the context dies, so the
	// message must be left untouched.
	limiter := orders.NewRateLimiter(time.Hour, 0)
	loop := NewLoop(q, f.processor,
		WithRateLimiter(limiter),
		WithLoopLogf(func(string, ...any) {}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err == nil {
		t.Fatalf("expected context error")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.deleted) != 0 || len(q.delays) != 0 {
		t.Fatalf("message must be untouched, deleted=%v delays=%v", q.deleted, q.delays)
	}
}
