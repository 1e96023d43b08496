package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the persisted lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusValidated  Status = "VALIDATED"
	StatusProcessing Status = "PROCESSING" // buy claimed by exactly one run
	StatusCompleted  Status = "COMPLETED"
	StatusRefunded   Status = "REFUNDED"
	StatusFailed     Status = "FAILED"
)

// nextStatuses lists the legal successors of each status. Terminal statuses
// have none; any transition outside this map regresses or skips and must be
// rejected.
var nextStatuses = map[Status][]Status{
	StatusPending:    {StatusValidated, StatusFailed},
	StatusValidated:  {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusRefunded},
}

// CanTransitionTo reports whether moving from s to next is a legal step along
// the order lifecycle.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range nextStatuses[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return len(nextStatuses[s]) == 0
}

// Order is a stock-trade order. Price carries decimal arithmetic; TotalCost is
// always derived, never stored authoritatively.
type Order struct {
	ID          string
	CustomerID  string
	StockSymbol string
	Quantity    int64
	Price       decimal.Decimal
	Status      Status
	CreatedAt   time.Time

	// Populated once the trade executes.
	TradeID     string
	ProcessedAt time.Time
}

// TotalCost returns quantity * price.
func (o Order) TotalCost() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// Validate checks the structural invariants of an order.
func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id required")
	}
	if o.CustomerID == "" {
		return fmt.Errorf("customer id required")
	}
	if o.StockSymbol == "" {
		return fmt.Errorf("stock symbol required")
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", o.Quantity)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", o.Price)
	}
	return nil
}
