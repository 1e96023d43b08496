package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/blob"
	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
)

// DefaultFundsCeiling is the largest order total the validator accepts.
var DefaultFundsCeiling = decimal.NewFromInt(10000)

// Orchestrator runs order sagas. Every status write is a conditional update
// keyed on the expected prior status, so a concurrently resumed run of the
// same order cannot apply a transition twice. The move to PROCESSING doubles
// as the buy claim: it happens before the venue call, and a run that loses
// it stops instead of submitting a second trade.
type Orchestrator struct {
	repo          orders.Repository
	venue         orders.VenueClient
	refunder      orders.Refunder
	receipts      blob.Store
	notifications queue.Queue

	ceiling     decimal.Decimal
	logf        func(string, ...any)
	now         func() time.Time
	recordEvent func(name string)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithFundsCeiling overrides the validation ceiling.
func WithFundsCeiling(ceiling decimal.Decimal) Option {
	return func(o *Orchestrator) { o.ceiling = ceiling }
}

// WithLogf overrides the orchestrator's log function.
func WithLogf(logf func(string, ...any)) Option {
	return func(o *Orchestrator) { o.logf = logf }
}

// WithClock overrides the orchestrator's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithEventRecorder installs a counter callback for saga outcomes.
func WithEventRecorder(record func(name string)) Option {
	return func(o *Orchestrator) { o.recordEvent = record }
}

// NewOrchestrator wires a saga orchestrator. receipts and notifications may
// be nil; both legs are then skipped.
func NewOrchestrator(
	repo orders.Repository,
	venue orders.VenueClient,
	refunder orders.Refunder,
	receipts blob.Store,
	notifications queue.Queue,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		repo:          repo,
		venue:         venue,
		refunder:      refunder,
		receipts:      receipts,
		notifications: notifications,
		ceiling:       DefaultFundsCeiling,
		logf:          log.Printf,
		now:           time.Now,
		recordEvent:   func(string) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the saga for one order to a terminal state. The order's
// current status picks the entry step, which makes a re-run after a crash
// continue instead of starting over.
func (o *Orchestrator) Run(ctx context.Context, orderID string) (Context, error) {
	order, err := o.repo.GetByID(ctx, orderID)
	if err != nil {
		return Context{}, fmt.Errorf("load order %s: %w", orderID, err)
	}

	sctx := Context{Order: order, TotalCost: order.TotalCost(), TradeID: order.TradeID}
	state, err := entryState(order.Status)
	if err != nil {
		return sctx, err
	}

	for !state.Terminal() {
		var res StepResult
		switch state {
		case StateStart:
			res = advance(StateValidating, sctx)
		case StateValidating:
			res = o.validating(ctx, sctx)
		case StateBuying:
			res = o.buying(ctx, sctx)
		case StateRefunding:
			res = o.refunding(ctx, sctx)
		default:
			return sctx, fmt.Errorf("saga in unknown state %s", state)
		}
		if res.Err != nil {
			return res.Ctx, res.Err
		}
		sctx = res.Ctx
		state = res.Next
	}

	o.finish(ctx, state, sctx)
	return sctx, nil
}

// entryState maps the persisted status onto the step to run next.
func entryState(status orders.Status) (State, error) {
	switch status {
	case orders.StatusPending:
		return StateStart, nil
	case orders.StatusValidated:
		return StateBuying, nil
	case orders.StatusProcessing:
		// A previous run claimed the buy and died before recording the
		// confirmation. The trade may be real, so compensation is wrong;
		// finish with a recovery confirmation id instead.
		return StateBuying, nil
	case orders.StatusCompleted:
		return StateCompleted, nil
	case orders.StatusRefunded:
		return StateRefunded, nil
	case orders.StatusFailed:
		return StateFailed, nil
	default:
		return "", fmt.Errorf("order in unknown status %s", status)
	}
}

func (o *Orchestrator) validating(ctx context.Context, sctx Context) StepResult {
	if sctx.TotalCost.GreaterThan(o.ceiling) {
		applied, err := o.repo.UpdateStatus(ctx, sctx.Order.ID, orders.StatusFailed, orders.StatusPending)
		if err != nil {
			return abort(sctx, fmt.Errorf("fail order %s: %w", sctx.Order.ID, err))
		}
		if !applied {
			o.logf("saga: order %s already left PENDING, not failing it", sctx.Order.ID)
		}
		sctx.FailureReason = ReasonInsufficientFunds
		return advance(StateFailed, sctx)
	}

	applied, err := o.repo.UpdateStatus(ctx, sctx.Order.ID, orders.StatusValidated, orders.StatusPending)
	if err != nil {
		return abort(sctx, fmt.Errorf("validate order %s: %w", sctx.Order.ID, err))
	}
	if !applied {
		o.logf("saga: order %s validated by another run", sctx.Order.ID)
	}
	return advance(StateBuying, sctx)
}

func (o *Orchestrator) buying(ctx context.Context, sctx Context) StepResult {
	if sctx.Order.Status == orders.StatusProcessing {
		o.recordEvent("saga_buy_recovered")
		sctx.TradeID = "TRD-R" + strconv.FormatInt(o.now().UnixNano(), 10)
		return o.completing(ctx, sctx)
	}

	// Claim the buy before touching the venue. The conditional write admits
	// exactly one run per order; a losing run stops here with no side effect
	// instead of double-submitting the trade.
	applied, err := o.repo.UpdateStatus(ctx, sctx.Order.ID, orders.StatusProcessing, orders.StatusValidated)
	if err != nil {
		return abort(sctx, fmt.Errorf("claim order %s for buying: %w", sctx.Order.ID, err))
	}
	if !applied {
		return abort(sctx, fmt.Errorf("buy order %s: %w", sctx.Order.ID, ErrClaimed))
	}

	tradeID, err := o.venue.SubmitTrade(ctx, sctx.Order)
	if err != nil {
		// A failed buy is compensated, never re-submitted.
		o.logf("saga: buy failed for order %s: %v", sctx.Order.ID, err)
		sctx.FailureReason = ReasonVenueFailure
		return advance(StateRefunding, sctx)
	}
	sctx.TradeID = tradeID
	return o.completing(ctx, sctx)
}

func (o *Orchestrator) completing(ctx context.Context, sctx Context) StepResult {
	applied, err := o.repo.Complete(ctx, sctx.Order.ID, sctx.TradeID, o.now())
	if err != nil {
		return abort(sctx, fmt.Errorf("complete order %s: %w", sctx.Order.ID, err))
	}
	if !applied {
		o.logf("saga: order %s already completed", sctx.Order.ID)
	}

	o.writeReceipt(ctx, sctx)
	return advance(StateCompleted, sctx)
}

func (o *Orchestrator) refunding(ctx context.Context, sctx Context) StepResult {
	if err := o.refunder.Refund(ctx, sctx.Order.ID, sctx.TotalCost); err != nil {
		return abort(sctx, fmt.Errorf("refund order %s: %w", sctx.Order.ID, err))
	}
	sctx.RollbackCompleted = true

	applied, err := o.repo.UpdateStatus(ctx, sctx.Order.ID, orders.StatusRefunded, orders.StatusProcessing)
	if err != nil {
		return abort(sctx, fmt.Errorf("mark order %s refunded: %w", sctx.Order.ID, err))
	}
	if !applied {
		o.logf("saga: order %s already marked refunded", sctx.Order.ID)
	}
	return advance(StateRefunded, sctx)
}

// finish records the outcome and tells the notification path.
func (o *Orchestrator) finish(ctx context.Context, state State, sctx Context) {
	switch state {
	case StateCompleted:
		o.recordEvent("saga_completed")
	case StateRefunded:
		o.recordEvent("saga_refunded")
	case StateFailed:
		o.recordEvent("saga_failed")
	}
	o.logf("saga: order %s finished %s (reason=%q trade=%q)",
		sctx.Order.ID, state, sctx.FailureReason, sctx.TradeID)

	o.publishOutcome(ctx, state, sctx)
}

func (o *Orchestrator) writeReceipt(ctx context.Context, sctx Context) {
	if o.receipts == nil {
		return
	}

	receipt, err := json.Marshal(map[string]any{
		"order_id":     sctx.Order.ID,
		"customer_id":  sctx.Order.CustomerID,
		"stock_symbol": sctx.Order.StockSymbol,
		"quantity":     sctx.Order.Quantity,
		"total_amount": sctx.TotalCost,
		"trade_id":     sctx.TradeID,
		"processed_at": o.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		o.logf("saga: encode receipt for order %s: %v", sctx.Order.ID, err)
		return
	}

	key := "receipts/" + sctx.Order.ID + ".json"
	if err := o.receipts.Put(ctx, key, receipt, "application/json"); err != nil {
		// The order record is authoritative; a lost receipt is only logged.
		o.logf("saga: store receipt for order %s: %v", sctx.Order.ID, err)
	}
}

func (o *Orchestrator) publishOutcome(ctx context.Context, state State, sctx Context) {
	if o.notifications == nil {
		return
	}

	status := sctx.Order.Status
	switch state {
	case StateCompleted:
		status = orders.StatusCompleted
	case StateRefunded:
		status = orders.StatusRefunded
	case StateFailed:
		status = orders.StatusFailed
	}

	event := orders.OrderCompleted{
		OrderID:           sctx.Order.ID,
		CustomerID:        sctx.Order.CustomerID,
		StockSymbol:       sctx.Order.StockSymbol,
		Status:            status,
		TradeID:           sctx.TradeID,
		TotalCost:         sctx.TotalCost,
		RollbackCompleted: sctx.RollbackCompleted,
	}
	body, err := json.Marshal(event)
	if err != nil {
		o.logf("saga: encode outcome for order %s: %v", sctx.Order.ID, err)
		return
	}
	if err := o.notifications.Send(ctx, body); err != nil {
		o.logf("saga: publish outcome for order %s: %v", sctx.Order.ID, err)
	}
}
