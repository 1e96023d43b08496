package orders

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/kv"
)

const orderKeyPrefix = "order:"

// KVRepository implements Repository on a conditional-write key-value store.
// Monotonic status transitions rely entirely on the store's atomic
// ConditionalUpdate, never on locks in this process.
type KVRepository struct {
	store kv.Store
}

// NewKVRepository constructs a Repository backed by the given store.
func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{store: store}
}

// Save creates the order record; ErrDuplicateID when the id already exists.
func (r *KVRepository) Save(ctx context.Context, order Order) error {
	if err := order.Validate(); err != nil {
		return err
	}

	created, err := r.store.PutIfAbsent(ctx, orderKeyPrefix+order.ID, encodeOrder(order))
	if err != nil {
		return err
	}
	if !created {
		return ErrDuplicateID
	}
	return nil
}

// GetByID returns the order or ErrNotFound.
func (r *KVRepository) GetByID(ctx context.Context, id string) (Order, error) {
	fields, ok, err := r.store.Get(ctx, orderKeyPrefix+id)
	if err != nil {
		return Order{}, err
	}
	if !ok {
		return Order{}, ErrNotFound
	}
	return decodeOrder(fields)
}

// UpdateStatus atomically moves the order from expected to next.
func (r *KVRepository) UpdateStatus(ctx context.Context, id string, next, expected Status) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("illegal transition %s -> %s", expected, next)
	}
	return r.store.ConditionalUpdate(ctx,
		orderKeyPrefix+id,
		map[string]string{"status": string(next)},
		"status", string(expected),
	)
}

// Complete moves a PROCESSING order to COMPLETED and records trade metadata.
func (r *KVRepository) Complete(ctx context.Context, id, tradeID string, processedAt time.Time) (bool, error) {
	return r.store.ConditionalUpdate(ctx,
		orderKeyPrefix+id,
		map[string]string{
			"status":       string(StatusCompleted),
			"trade_id":     tradeID,
			"processed_at": processedAt.UTC().Format(time.RFC3339Nano),
		},
		"status", string(StatusProcessing),
	)
}

// ListAll returns a snapshot of every stored order.
func (r *KVRepository) ListAll(ctx context.Context) ([]Order, error) {
	records, err := r.store.ScanAll(ctx, orderKeyPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(records))
	for key, fields := range records {
		order, err := decodeOrder(fields)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, order)
	}
	return out, nil
}

func encodeOrder(order Order) map[string]string {
	fields := map[string]string{
		"order_id":     order.ID,
		"customer_id":  order.CustomerID,
		"stock_symbol": order.StockSymbol,
		"quantity":     strconv.FormatInt(order.Quantity, 10),
		"price":        order.Price.String(),
		"status":       string(order.Status),
		"created_at":   order.CreatedAt.UTC().Format(time.RFC3339Nano),
		"total_amount": order.TotalCost().String(),
	}
	if order.TradeID != "" {
		fields["trade_id"] = order.TradeID
	}
	if !order.ProcessedAt.IsZero() {
		fields["processed_at"] = order.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeOrder(fields map[string]string) (Order, error) {
	quantity, err := strconv.ParseInt(fields["quantity"], 10, 64)
	if err != nil {
		return Order{}, fmt.Errorf("quantity: %w", err)
	}
	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return Order{}, fmt.Errorf("price: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return Order{}, fmt.Errorf("created_at: %w", err)
	}

	order := Order{
		ID:          fields["order_id"],
		CustomerID:  fields["customer_id"],
		StockSymbol: fields["stock_symbol"],
		Quantity:    quantity,
		Price:       price,
		Status:      Status(fields["status"]),
		CreatedAt:   createdAt,
		TradeID:     fields["trade_id"],
	}
	if raw, ok := fields["processed_at"]; ok && raw != "" {
		processedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Order{}, fmt.Errorf("processed_at: %w", err)
		}
		order.ProcessedAt = processedAt
	}
	return order, nil
}
