package orders

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateID signals a create for an order id that already exists.
var ErrDuplicateID = errors.New("order id already exists")

// ErrNotFound signals a lookup for an unknown order id.
var ErrNotFound = errors.New("order not found")

// Repository persists orders. UpdateStatus and Complete are conditional: they
// report false, not an error, when the stored status no longer matches the
// expected one — callers treat that as "someone else already advanced this
// order" and must not retry the same transition.
type Repository interface {
	// Save creates the order; ErrDuplicateID when the id exists. Callers use
	// this only at original creation, which makes it the idempotency barrier
	// for duplicate deliveries.
	Save(ctx context.Context, order Order) error

	// GetByID returns the order or ErrNotFound.
	GetByID(ctx context.Context, id string) (Order, error)

	// UpdateStatus atomically moves the order from expected to next.
	UpdateStatus(ctx context.Context, id string, next, expected Status) (bool, error)

	// Complete atomically moves a PROCESSING order to COMPLETED and records
	// the trade confirmation id and processing time.
	Complete(ctx context.Context, id, tradeID string, processedAt time.Time) (bool, error)

	// ListAll returns a snapshot of every order, in store-defined order.
	ListAll(ctx context.Context) ([]Order, error)
}
