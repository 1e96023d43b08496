package consumer

import (
	"context"
	"errors"
	"log"
	"time"

	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
)

// Loop polls the intake queue and feeds every delivery through a Processor.
// Cancellation is observed once per iteration; a message already being
// processed runs to completion.
type Loop struct {
	queue     queue.Queue
	processor *Processor

	batchSize int
	waitTime  time.Duration
	limiter   *orders.RateLimiter

	logf        func(string, ...any)
	recordEvent func(name string)
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithBatchSize sets how many messages one receive may return.
func WithBatchSize(n int) LoopOption {
	return func(l *Loop) { l.batchSize = n }
}

// WithWaitTime sets the long-poll window per receive.
func WithWaitTime(d time.Duration) LoopOption {
	return func(l *Loop) { l.waitTime = d }
}

// WithRateLimiter throttles message processing.
func WithRateLimiter(limiter *orders.RateLimiter) LoopOption {
	return func(l *Loop) { l.limiter = limiter }
}

// WithLoopLogf overrides the loop's log function.
func WithLoopLogf(logf func(string, ...any)) LoopOption {
	return func(l *Loop) { l.logf = logf }
}

// WithLoopEventRecorder installs a counter callback for loop events.
func WithLoopEventRecorder(record func(name string)) LoopOption {
	return func(l *Loop) { l.recordEvent = record }
}

// NewLoop wires a polling loop over q and p.
func NewLoop(q queue.Queue, p *Processor, opts ...LoopOption) *Loop {
	l := &Loop{
		queue:       q,
		processor:   p,
		batchSize:   10,
		waitTime:    5 * time.Second,
		logf:        log.Printf,
		recordEvent: func(string) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run polls until ctx is cancelled. One poison message never stops the loop;
// every failure is classified, logged, and handled per its outcome.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		envs, err := l.queue.Receive(ctx, l.batchSize, l.waitTime)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			l.logf("consumer: receive: %v", err)
			continue
		}

		for _, env := range envs {
			l.handle(ctx, env)
		}
	}
}

func (l *Loop) handle(ctx context.Context, env queue.Envelope) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			// Shutting down; leave the message for the next consumer.
			return
		}
	}

	outcome, err := l.processor.Process(ctx, env)
	switch outcome {
	case OutcomeSuccess, OutcomeDuplicate:
		if derr := l.queue.Delete(ctx, env); derr != nil {
			l.logf("consumer: ack %s: %v", env.ID, derr)
		}
	case OutcomeFatal:
		l.recordEvent("fatal_drops")
		l.logf("consumer: dropping message %s: %v", env.ID, err)
		if derr := l.queue.Delete(ctx, env); derr != nil {
			l.logf("consumer: ack %s: %v", env.ID, derr)
		}
	case OutcomeRetryable:
		delay := Backoff(env.DeliveryCount)
		l.recordEvent("retries")
		l.logf("consumer: message %s delivery %d failed, retry in %s: %v",
			env.ID, env.DeliveryCount, delay, err)
		if verr := l.queue.ChangeVisibility(ctx, env, delay); verr != nil {
			l.logf("consumer: extend visibility %s: %v", env.ID, verr)
		}
	}
}
