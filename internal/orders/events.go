package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderCreated is the intake event published when an order is accepted. Its
// JSON shape is the persisted record's field names.
type OrderCreated struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	StockSymbol string          `json:"stock_symbol"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Order builds the pending order this event describes.
func (e OrderCreated) Order() Order {
	return Order{
		ID:          e.OrderID,
		CustomerID:  e.CustomerID,
		StockSymbol: e.StockSymbol,
		Quantity:    e.Quantity,
		Price:       e.Price,
		Status:      StatusPending,
		CreatedAt:   e.CreatedAt,
	}
}

// OrderCompleted is published when a saga reaches a terminal state. The
// notification path consumes it best-effort.
type OrderCompleted struct {
	OrderID           string          `json:"order_id"`
	CustomerID        string          `json:"customer_id"`
	StockSymbol       string          `json:"stock_symbol"`
	Status            Status          `json:"status"`
	TradeID           string          `json:"trade_id,omitempty"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	RollbackCompleted bool            `json:"rollback_completed"`
}
