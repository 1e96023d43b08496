package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"tradeflow/internal/kv"
)

func discardLogf(string, ...any) {}

func TestLocalEngine_StartExecution_RunsToSuccess(t *testing.T) {
	store := kv.NewMemoryStore()
	engine := NewLocalEngine(store, WithLogf(discardLogf))
	engine.Register("process-order", func(ctx context.Context, input []byte) ([]byte, error) {
		return []byte(`{"done":true}`), nil
	})

	started, err := engine.StartExecution(context.Background(), "process-order", []byte(`{"order_id":"order-1"}`), "order-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started {
		t.Fatalf("expected execution to start")
	}
	engine.Close()

	exec, ok, err := engine.GetExecution(context.Background(), "order-1")
	if err != nil || !ok {
		t.Fatalf("get execution: ok=%v err=%v", ok, err)
	}
	if exec.State != StateSucceeded {
		t.Fatalf("expected %s, got %s", StateSucceeded, exec.State)
	}
	if string(exec.Output) != `{"done":true}` {
		t.Fatalf("unexpected output: %s", exec.Output)
	}
}

func TestLocalEngine_StartExecution_RecordsFailure(t *testing.T) {
	engine := NewLocalEngine(kv.NewMemoryStore(), WithLogf(discardLogf))
	engine.Register("process-order", func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, errors.New("venue exploded")
	})

	if _, err := engine.StartExecution(context.Background(), "process-order", nil, "order-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Close()

	exec, ok, err := engine.GetExecution(context.Background(), "order-1")
	if err != nil || !ok {
		t.Fatalf("get execution: ok=%v err=%v", ok, err)
	}
	if exec.State != StateFailed {
		t.Fatalf("expected %s, got %s", StateFailed, exec.State)
	}
	if exec.Error != "venue exploded" {
		t.Fatalf("unexpected error detail: %q", exec.Error)
	}
}

func TestLocalEngine_StartExecution_IdempotentPerName(t *testing.T) {
	engine := NewLocalEngine(kv.NewMemoryStore(), WithLogf(discardLogf))
	var runs atomic.Int64
	engine.Register("process-order", func(ctx context.Context, input []byte) ([]byte, error) {
		runs.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		started, err := engine.StartExecution(ctx, "process-order", nil, "order-1")
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if started != (i == 0) {
			t.Fatalf("start %d: started=%v", i, started)
		}
	}
	engine.Close()

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly one run, got %d", got)
	}
}

func TestLocalEngine_StartExecution_UnknownDefinition(t *testing.T) {
	engine := NewLocalEngine(kv.NewMemoryStore(), WithLogf(discardLogf))

	_, err := engine.StartExecution(context.Background(), "nope", nil, "order-1")
	if !errors.Is(err, ErrUnknownDefinition) {
		t.Fatalf("expected ErrUnknownDefinition, got %v", err)
	}

	// Nothing was persisted, so a later start under the same name still runs.
	if _, ok, err := engine.GetExecution(context.Background(), "order-1"); err != nil || ok {
		t.Fatalf("expected no execution record, ok=%v err=%v", ok, err)
	}
	engine.Close()
}

func TestLocalEngine_Resume_RedispatchesNonTerminal(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	// Simulate a previous process that crashed mid-run.
	for i, state := range []string{StateRunning, StateSucceeded} {
		name := fmt.Sprintf("order-%d", i)
		created, err := store.PutIfAbsent(ctx, executionKeyPrefix+name, map[string]string{
			"name":          name,
			"definition_id": "process-order",
			"state":         state,
			"owner":         "worker-gone",
			"input":         name,
		})
		if err != nil || !created {
			t.Fatalf("seed %s: created=%v err=%v", name, created, err)
		}
	}

	engine := NewLocalEngine(store, WithLogf(discardLogf))
	var runs atomic.Int64
	engine.Register("process-order", func(ctx context.Context, input []byte) ([]byte, error) {
		runs.Add(1)
		return nil, nil
	})

	resumed, err := engine.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 resumed execution, got %d", resumed)
	}
	engine.Close()

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
	exec, ok, err := engine.GetExecution(ctx, "order-0")
	if err != nil || !ok {
		t.Fatalf("get execution: ok=%v err=%v", ok, err)
	}
	if exec.State != StateSucceeded {
		t.Fatalf("expected resumed run to finish, state=%s", exec.State)
	}
}

func TestLocalEngine_Resume_ClaimsAgainstPeerEngines(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.PutIfAbsent(ctx, executionKeyPrefix+"order-1", map[string]string{
		"name":          "order-1",
		"definition_id": "process-order",
		"state":         StateRunning,
		"owner":         "worker-gone",
		"input":         "order-1",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var runs atomic.Int64
	release := make(chan struct{})
	handler := func(ctx context.Context, input []byte) ([]byte, error) {
		<-release
		runs.Add(1)
		return nil, nil
	}

	first := NewLocalEngine(store, WithLogf(discardLogf))
	first.Register("process-order", handler)
	second := NewLocalEngine(store, WithLogf(discardLogf))
	second.Register("process-order", handler)

	resumedFirst, err := first.Resume(ctx)
	if err != nil {
		t.Fatalf("first resume: %v", err)
	}
	// The record is still RUNNING while the first engine works on it; the
	// peer must not pick it up a second time.
	resumedSecond, err := second.Resume(ctx)
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}

	close(release)
	first.Close()
	second.Close()

	if resumedFirst != 1 || resumedSecond != 0 {
		t.Fatalf("expected only the first engine to claim, got %d and %d", resumedFirst, resumedSecond)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly one run, got %d", got)
	}
	exec, ok, err := first.GetExecution(ctx, "order-1")
	if err != nil || !ok {
		t.Fatalf("get execution: ok=%v err=%v", ok, err)
	}
	if exec.State != StateSucceeded {
		t.Fatalf("expected %s, got %s", StateSucceeded, exec.State)
	}
}

func TestLocalEngine_Resume_SkipsUnknownDefinitions(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.PutIfAbsent(ctx, executionKeyPrefix+"order-1", map[string]string{
		"name":          "order-1",
		"definition_id": "retired-definition",
		"state":         StateRunning,
		"owner":         "worker-gone",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	engine := NewLocalEngine(store, WithLogf(discardLogf))
	resumed, err := engine.Resume(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 0 {
		t.Fatalf("expected nothing resumed, got %d", resumed)
	}
	engine.Close()
}
