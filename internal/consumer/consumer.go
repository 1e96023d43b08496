package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"tradeflow/internal/blob"
	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
	"tradeflow/internal/workflow"
)

// Outcome classifies one processed message.
type Outcome int

const (
	// OutcomeSuccess: order persisted and workflow started; ack the message.
	OutcomeSuccess Outcome = iota
	// OutcomeDuplicate: the order id already exists; a previous delivery won
	// the insert. The workflow start is re-asserted (it is idempotent per
	// order) and the message is ack'd.
	OutcomeDuplicate
	// OutcomeRetryable: transient failure or invalid order; the message goes
	// back with an extended visibility window instead of an ack.
	OutcomeRetryable
	// OutcomeFatal: the body is not a decodable event; ack'd and dropped.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Processor handles one intake message end to end. The repository's
// conditional insert is the idempotency barrier: whichever delivery creates
// the record owns the side effects, every other delivery collapses into
// OutcomeDuplicate.
type Processor struct {
	repo         orders.Repository
	intakeCopies blob.Store
	engine       workflow.Engine
	definitionID string

	logf        func(string, ...any)
	recordEvent func(name string)
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithIntakeCopies stores a copy of each accepted event body as a blob.
func WithIntakeCopies(store blob.Store) ProcessorOption {
	return func(p *Processor) { p.intakeCopies = store }
}

// WithProcessorLogf overrides the processor's log function.
func WithProcessorLogf(logf func(string, ...any)) ProcessorOption {
	return func(p *Processor) { p.logf = logf }
}

// WithProcessorEventRecorder installs a counter callback for processing events.
func WithProcessorEventRecorder(record func(name string)) ProcessorOption {
	return func(p *Processor) { p.recordEvent = record }
}

// NewProcessor wires a Processor that starts executions of definitionID.
func NewProcessor(repo orders.Repository, engine workflow.Engine, definitionID string, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:         repo,
		engine:       engine,
		definitionID: definitionID,
		logf:         log.Printf,
		recordEvent:  func(string) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process classifies and handles one delivery. The returned error carries
// detail for the retryable and fatal outcomes; the caller decides ack versus
// visibility extension from the Outcome alone.
func (p *Processor) Process(ctx context.Context, env queue.Envelope) (Outcome, error) {
	var event orders.OrderCreated
	if err := json.Unmarshal(env.Body, &event); err != nil {
		return OutcomeFatal, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	order := event.Order()
	if err := order.Validate(); err != nil {
		return OutcomeRetryable, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	duplicate := false
	if err := p.repo.Save(ctx, order); err != nil {
		if !errors.Is(err, orders.ErrDuplicateID) {
			return OutcomeRetryable, fmt.Errorf("save order %s: %w", order.ID, err)
		}
		duplicate = true
		p.recordEvent("idempotency_hits")
		p.logf("consumer: order %s already recorded, delivery %d ack'd", order.ID, env.DeliveryCount)
	}

	if !duplicate && p.intakeCopies != nil {
		// The order record is already durable; the raw copy is best-effort.
		key := "orders/" + order.ID + ".json"
		if err := p.intakeCopies.Put(ctx, key, env.Body, "application/json"); err != nil {
			p.logf("consumer: store intake copy for %s: %v", order.ID, err)
		}
	}

	// Started on the duplicate path too: if a previous delivery crashed
	// between insert and start, this delivery repairs it. The name makes
	// the start a no-op when the execution already exists.
	started, err := p.engine.StartExecution(ctx, p.definitionID, env.Body, order.ID)
	if err != nil {
		return OutcomeRetryable, fmt.Errorf("start execution for %s: %w", order.ID, err)
	}

	if duplicate {
		if started {
			p.logf("consumer: repaired missing execution for order %s", order.ID)
		}
		return OutcomeDuplicate, nil
	}
	return OutcomeSuccess, nil
}
