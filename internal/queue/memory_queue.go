package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-memory Queue with the same visibility and
// redelivery-cap semantics as the Redis implementation. It backs tests and
// single-process local runs.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []string
	dead       []string
	messages   map[string]*memoryMessage
	nextID     int
	visibility time.Duration
	maxDeliver int
	pollEvery  time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

type memoryMessage struct {
	body       []byte
	deliveries int
	invisible  bool
	dead       bool
	visibleAt  time.Time
}

// MemoryQueueOption adjusts a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithVisibilityTimeout overrides the default invisibility window.
func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.visibility = d }
}

// WithMaxDeliveries overrides the redelivery cap.
func WithMaxDeliveries(n int) MemoryQueueOption {
	return func(q *MemoryQueue) { q.maxDeliver = n }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) MemoryQueueOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		messages:   make(map[string]*memoryMessage),
		visibility: 30 * time.Second,
		maxDeliver: 5,
		pollEvery:  10 * time.Millisecond,
		now:        time.Now,
		sleep:      sleepWithContext,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Send enqueues a new message.
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := "msg-" + strconv.Itoa(q.nextID)
	q.messages[id] = &memoryMessage{body: append([]byte(nil), body...)}
	q.ready = append(q.ready, id)
	return nil
}

// Receive long-polls for up to max messages.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Envelope, error) {
	if max < 1 {
		max = 1
	}
	deadline := q.now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		envs := q.take(max)
		if len(envs) > 0 {
			return envs, nil
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		if err := q.sleep(ctx, q.pollEvery); err != nil {
			return nil, err
		}
	}
}

// Delete acknowledges the message.
func (q *MemoryQueue) Delete(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.messages, env.ID)
	return nil
}

// ChangeVisibility reschedules the message's redelivery time.
func (q *MemoryQueue) ChangeVisibility(ctx context.Context, env Envelope, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if msg, ok := q.messages[env.ID]; ok && msg.invisible {
		msg.visibleAt = q.now().Add(timeout)
	}
	return nil
}

// DeadLetters returns the currently dead-lettered messages for inspection.
func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	envs := make([]Envelope, 0, len(q.dead))
	for _, id := range q.dead {
		if msg, ok := q.messages[id]; ok {
			envs = append(envs, Envelope{
				ID:            id,
				Body:          append([]byte(nil), msg.body...),
				DeliveryCount: msg.deliveries,
			})
		}
	}
	return envs, nil
}

func (q *MemoryQueue) take(max int) []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimLocked(now)

	var envs []Envelope
	for len(envs) < max && len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]

		msg, ok := q.messages[id]
		if !ok {
			continue
		}
		msg.deliveries++
		msg.invisible = true
		msg.visibleAt = now.Add(q.visibility)
		envs = append(envs, Envelope{
			ID:            id,
			Body:          append([]byte(nil), msg.body...),
			DeliveryCount: msg.deliveries,
		})
	}
	return envs
}

func (q *MemoryQueue) reclaimLocked(now time.Time) {
	for id, msg := range q.messages {
		if msg.dead || !msg.invisible || msg.visibleAt.After(now) {
			continue
		}
		msg.invisible = false
		if msg.deliveries >= q.maxDeliver {
			msg.dead = true
			q.dead = append(q.dead, id)
			continue
		}
		q.ready = append(q.ready, id)
	}
}
