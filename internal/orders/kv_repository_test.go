package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/kv"
)

func newRepo() *KVRepository {
	return NewKVRepository(kv.NewMemoryStore())
}

func TestKVRepository_SaveAndGet(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()
	order := validOrder()

	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != order.ID || got.CustomerID != order.CustomerID || got.StockSymbol != order.StockSymbol {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Quantity != order.Quantity || !got.Price.Equal(order.Price) {
		t.Fatalf("quantity/price mismatch: %+v", got)
	}
	if got.Status != StatusPending {
		t.Fatalf("unexpected status %s", got.Status)
	}
	if !got.CreatedAt.Equal(order.CreatedAt) {
		t.Fatalf("created_at mismatch: %s", got.CreatedAt)
	}
	if !got.TotalCost().Equal(order.TotalCost()) {
		t.Fatalf("total cost invariant broken: %s", got.TotalCost())
	}
}

func TestKVRepository_SaveDuplicateID(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()

	if err := repo.Save(ctx, validOrder()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(ctx, validOrder()); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestKVRepository_SaveRejectsInvalidOrder(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	order := validOrder()
	order.Quantity = 0

	if err := repo.Save(context.Background(), order); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestKVRepository_GetMissing(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKVRepository_UpdateStatus(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()
	order := validOrder()
	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	applied, err := repo.UpdateStatus(ctx, order.ID, StatusValidated, StatusPending)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !applied {
		t.Fatalf("expected transition to apply")
	}

	// The same transition again must fail the precondition, not error.
	applied, err = repo.UpdateStatus(ctx, order.ID, StatusValidated, StatusPending)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if applied {
		t.Fatalf("expected stale transition to be rejected")
	}
}

func TestKVRepository_UpdateStatusRejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()
	order := validOrder()
	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := repo.UpdateStatus(ctx, order.ID, StatusCompleted, StatusPending); err == nil {
		t.Fatalf("expected illegal transition to error")
	}
}

func TestKVRepository_ConcurrentUpdateSingleWinner(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()
	order := validOrder()
	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := repo.UpdateStatus(ctx, order.ID, StatusValidated, StatusPending)
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			wins <- applied
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for win := range wins {
		if win {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", winners)
	}
}

func TestKVRepository_Complete(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()
	order := validOrder()
	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save: %v", err)
	}
	mustUpdate(t, repo, order.ID, StatusValidated, StatusPending)
	mustUpdate(t, repo, order.ID, StatusProcessing, StatusValidated)

	processedAt := time.Date(2024, 1, 2, 4, 0, 0, 0, time.UTC)
	applied, err := repo.Complete(ctx, order.ID, "TRD-42", processedAt)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !applied {
		t.Fatalf("expected completion to apply")
	}

	got, err := repo.GetByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.TradeID != "TRD-42" {
		t.Fatalf("unexpected completion record: %+v", got)
	}
	if !got.ProcessedAt.Equal(processedAt) {
		t.Fatalf("processed_at mismatch: %s", got.ProcessedAt)
	}

	// A second completion attempt is a no-op.
	applied, err = repo.Complete(ctx, order.ID, "TRD-43", processedAt)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if applied {
		t.Fatalf("expected duplicate completion to be rejected")
	}
}

func TestKVRepository_ListAll(t *testing.T) {
	t.Parallel()

	repo := newRepo()
	ctx := context.Background()

	first := validOrder()
	second := validOrder()
	second.ID = "order-2"
	for _, order := range []Order{first, second} {
		if err := repo.Save(ctx, order); err != nil {
			t.Fatalf("save %s: %v", order.ID, err)
		}
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(all))
	}
}

func mustUpdate(t *testing.T, repo *KVRepository, id string, next, expected Status) {
	t.Helper()
	applied, err := repo.UpdateStatus(context.Background(), id, next, expected)
	if err != nil {
		t.Fatalf("update %s -> %s: %v", expected, next, err)
	}
	if !applied {
		t.Fatalf("transition %s -> %s rejected", expected, next)
	}
}
