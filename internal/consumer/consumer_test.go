package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/internal/blob"
	"tradeflow/internal/kv"
	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
	"tradeflow/internal/workflow"
)

const testDefinition = "process-order"

type fixture struct {
	repo      *orders.KVRepository
	engine    *workflow.LocalEngine
	copies    *blob.FileStore
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	copies, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	f := &fixture{
		repo:   orders.NewKVRepository(kv.NewMemoryStore()),
		engine: workflow.NewLocalEngine(kv.NewMemoryStore(), workflow.WithLogf(func(string, ...any) {})),
		copies: copies,
	}
	f.engine.Register(testDefinition, func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, nil
	})
	t.Cleanup(f.engine.Close)

	f.processor = NewProcessor(f.repo, f.engine, testDefinition,
		WithIntakeCopies(copies),
		WithProcessorLogf(func(string, ...any) {}),
	)
	return f
}

func eventBody(t *testing.T, id string) []byte {
	t.Helper()
	body, err := json.Marshal(orders.OrderCreated{
		OrderID:     id,
		CustomerID:  "cust-1",
		StockSymbol: "VALE3",
		Quantity:    50,
		Price:       decimal.RequireFromString("60.00"),
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestProcessor_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := queue.Envelope{ID: "m1", Body: eventBody(t, "order-1"), DeliveryCount: 1}

	outcome, err := f.processor.Process(ctx, env)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", outcome)
	}

	order, err := f.repo.GetByID(ctx, "order-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if order.Status != orders.StatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}

	if _, _, ok, err := f.copies.Get(ctx, "orders/order-1.json"); err != nil || !ok {
		t.Fatalf("expected intake copy, ok=%v err=%v", ok, err)
	}

	if _, ok, err := f.engine.GetExecution(ctx, "order-1"); err != nil || !ok {
		t.Fatalf("expected execution, ok=%v err=%v", ok, err)
	}
}

func TestProcessor_DoubleDeliveryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := eventBody(t, "order-1")

	first, err := f.processor.Process(ctx, queue.Envelope{ID: "m1", Body: body, DeliveryCount: 1})
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first != OutcomeSuccess {
		t.Fatalf("first delivery: expected success, got %s", first)
	}

	second, err := f.processor.Process(ctx, queue.Envelope{ID: "m1", Body: body, DeliveryCount: 2})
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second != OutcomeDuplicate {
		t.Fatalf("second delivery: expected duplicate, got %s", second)
	}

	all, err := f.repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(all))
	}
}

func TestProcessor_MalformedPayloadIsFatal(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.processor.Process(context.Background(), queue.Envelope{ID: "m1", Body: []byte("{not json")})
	if outcome != OutcomeFatal {
		t.Fatalf("expected fatal, got %s", outcome)
	}
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestProcessor_InvalidOrderIsRetryable(t *testing.T) {
	f := newFixture(t)

	body, merr := json.Marshal(orders.OrderCreated{
		OrderID:     "order-1",
		CustomerID:  "cust-1",
		StockSymbol: "VALE3",
		Quantity:    0, // invalid
		Price:       decimal.RequireFromString("60.00"),
		CreatedAt:   time.Now(),
	})
	if merr != nil {
		t.Fatalf("marshal: %v", merr)
	}

	outcome, err := f.processor.Process(context.Background(), queue.Envelope{ID: "m1", Body: body, DeliveryCount: 1})
	if outcome != OutcomeRetryable {
		t.Fatalf("expected retryable, got %s", outcome)
	}
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestProcessor_DuplicateRepairsMissingExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := eventBody(t, "order-1")

	// A previous delivery inserted the record but crashed before starting
	// the execution.
	var event orders.OrderCreated
	if err := json.Unmarshal(body, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := f.repo.Save(ctx, event.Order()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	outcome, err := f.processor.Process(ctx, queue.Envelope{ID: "m2", Body: body, DeliveryCount: 2})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}
	if _, ok, err := f.engine.GetExecution(ctx, "order-1"); err != nil || !ok {
		t.Fatalf("expected repaired execution, ok=%v err=%v", ok, err)
	}
}

type failingEngine struct{}

func (failingEngine) StartExecution(ctx context.Context, definitionID string, input []byte, name string) (bool, error) {
	return false, errors.New("engine offline")
}

func TestProcessor_EngineFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	processor := NewProcessor(f.repo, failingEngine{}, testDefinition,
		WithProcessorLogf(func(string, ...any) {}))

	outcome, err := processor.Process(context.Background(), queue.Envelope{ID: "m1", Body: eventBody(t, "order-1"), DeliveryCount: 1})
	if outcome != OutcomeRetryable {
		t.Fatalf("expected retryable, got %s", outcome)
	}
	if err == nil {
		t.Fatalf("expected error detail")
	}
}
