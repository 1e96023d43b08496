package orders

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// VenueClient submits trades to the exchange.
type VenueClient interface {
	SubmitTrade(ctx context.Context, order Order) (tradeID string, err error)
}

// Refunder returns committed funds to the customer. Refunds are authoritative
// and idempotent per order id.
type Refunder interface {
	Refund(ctx context.Context, orderID string, amount decimal.Decimal) error
}

// ErrVenueUnavailable signals the trading venue could not be reached.
var ErrVenueUnavailable = errors.New("trading venue unavailable")

// UnavailableQuantity is the reserved quantity that deterministically
// simulates an unreachable venue, so the compensation path stays testable
// end to end.
const UnavailableQuantity = 13

// SimVenue is a deterministic stand-in for a real exchange connection.
type SimVenue struct {
	now func() time.Time
}

// NewSimVenue constructs a SimVenue.
func NewSimVenue() *SimVenue {
	return &SimVenue{now: time.Now}
}

// SubmitTrade executes the buy order and returns a trade confirmation id.
func (v *SimVenue) SubmitTrade(ctx context.Context, order Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if order.Quantity == UnavailableQuantity {
		return "", ErrVenueUnavailable
	}
	return "TRD-" + strconv.FormatInt(v.now().UnixNano(), 10), nil
}

// NewLedgerRefunder constructs an in-memory refund ledger.
func NewLedgerRefunder() *LedgerRefunder {
	return &LedgerRefunder{
		refunds: make(map[string]decimal.Decimal),
	}
}

// LedgerRefunder records refunds in memory, once per order id.
type LedgerRefunder struct {
	mu      sync.Mutex
	refunds map[string]decimal.Decimal
}

// Refund records the refund. Repeated refunds for the same order are no-ops.
func (r *LedgerRefunder) Refund(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if orderID == "" {
		return errors.New("order id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refunds[orderID]; ok {
		return nil
	}
	r.refunds[orderID] = amount
	return nil
}

// Refunded returns the refunded amount for an order, if any
// (for testing/inspection).
func (r *LedgerRefunder) Refunded(orderID string) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	amount, ok := r.refunds[orderID]
	return amount, ok
}
