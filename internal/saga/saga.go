// Package saga orchestrates the buy pipeline for one order: validate the
// total against the funds ceiling, submit the trade, and either persist the
// completion or compensate with a refund. Steps communicate through explicit
// results; a step never signals failure by panicking.
package saga

import (
	"errors"

	"github.com/shopspring/decimal"

	"tradeflow/internal/orders"
)

// ErrClaimed reports that a concurrent run already holds the buy for this
// order. The losing run stops with no side effect.
var ErrClaimed = errors.New("order claimed by a concurrent run")

// State names one phase of a saga run.
type State string

// Saga states. Completed, Refunded and Failed are terminal.
const (
	StateStart      State = "START"
	StateValidating State = "VALIDATING"
	StateBuying     State = "BUYING"
	StateRefunding  State = "REFUNDING"
	StateCompleted  State = "COMPLETED"
	StateRefunded   State = "REFUNDED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether the state ends the run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRefunded || s == StateFailed
}

// Failure reasons carried in the run context.
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonVenueFailure      = "VENUE_FAILURE"
)

// Context is the mutable state of one saga run. It lives for exactly one run
// and is discarded at the terminal state.
type Context struct {
	Order             orders.Order
	TotalCost         decimal.Decimal
	TradeID           string
	RollbackCompleted bool
	FailureReason     string
}

// StepResult is the explicit outcome of one step: the next state and the
// updated context, or a transient error that aborts the run so the workflow
// engine records it.
type StepResult struct {
	Next State
	Ctx  Context
	Err  error
}

func advance(next State, ctx Context) StepResult {
	return StepResult{Next: next, Ctx: ctx}
}

func abort(ctx Context, err error) StepResult {
	return StepResult{Ctx: ctx, Err: err}
}
