package workflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/kv"
)

const executionKeyPrefix = "exec:"

// LocalEngine runs registered definitions in-process and persists execution
// state in a key-value store, so runs survive inspection and restarts.
// PutIfAbsent on the execution name is the start barrier: the first caller
// creates and dispatches the run, every later caller sees started=false.
// Each engine carries a unique owner id; Resume transfers ownership of an
// execution with a conditional write before re-dispatching it, and results
// from an engine that lost ownership are dropped.
type LocalEngine struct {
	store kv.Store
	owner string
	logf  func(string, ...any)
	now   func() time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	defs map[string]Handler
}

// LocalOption customizes a LocalEngine.
type LocalOption func(*LocalEngine)

// WithLogf overrides the engine's log function.
func WithLogf(logf func(string, ...any)) LocalOption {
	return func(e *LocalEngine) { e.logf = logf }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) LocalOption {
	return func(e *LocalEngine) { e.now = now }
}

// NewLocalEngine constructs an engine persisting into the given store.
func NewLocalEngine(store kv.Store, opts ...LocalOption) *LocalEngine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &LocalEngine{
		store:  store,
		owner:  uuid.NewString(),
		logf:   log.Printf,
		now:    time.Now,
		runCtx: ctx,
		cancel: cancel,
		defs:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the handler for a definition id.
func (e *LocalEngine) Register(definitionID string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[definitionID] = h
}

// StartExecution persists a new execution and dispatches it. A name that was
// started before, even in a previous process, returns started=false.
func (e *LocalEngine) StartExecution(ctx context.Context, definitionID string, input []byte, name string) (bool, error) {
	if _, ok := e.handler(definitionID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}

	created, err := e.store.PutIfAbsent(ctx, executionKeyPrefix+name, map[string]string{
		"name":          name,
		"definition_id": definitionID,
		"state":         StateRunning,
		"owner":         e.owner,
		"input":         string(input),
		"started_at":    e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, fmt.Errorf("persist execution %s: %w", name, err)
	}
	if !created {
		return false, nil
	}

	e.dispatch(name, definitionID, input)
	return true, nil
}

// GetExecution returns the persisted state of one execution.
func (e *LocalEngine) GetExecution(ctx context.Context, name string) (Execution, bool, error) {
	fields, ok, err := e.store.Get(ctx, executionKeyPrefix+name)
	if err != nil || !ok {
		return Execution{}, ok, err
	}
	return decodeExecution(fields), true, nil
}

// Resume re-dispatches every non-terminal execution, typically after a
// restart, and returns how many it picked back up. Each execution is first
// claimed with a conditional write on its owner field, so peer engines
// resuming over the same store cannot both re-run it.
func (e *LocalEngine) Resume(ctx context.Context) (int, error) {
	records, err := e.store.ScanAll(ctx, executionKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan executions: %w", err)
	}

	resumed := 0
	for _, fields := range records {
		exec := decodeExecution(fields)
		if exec.Terminal() {
			continue
		}
		if _, ok := e.handler(exec.DefinitionID); !ok {
			e.logf("workflow: cannot resume %s: no handler for %s", exec.Name, exec.DefinitionID)
			continue
		}

		claimed, err := e.store.ConditionalUpdate(ctx, executionKeyPrefix+exec.Name,
			map[string]string{"owner": e.owner}, "owner", fields["owner"])
		if err != nil {
			return resumed, fmt.Errorf("claim execution %s: %w", exec.Name, err)
		}
		if !claimed {
			e.logf("workflow: execution %s claimed by another engine", exec.Name)
			continue
		}

		e.dispatch(exec.Name, exec.DefinitionID, exec.Input)
		resumed++
	}
	return resumed, nil
}

// Close waits for in-flight executions and releases the engine.
func (e *LocalEngine) Close() {
	e.wg.Wait()
	e.cancel()
}

func (e *LocalEngine) handler(definitionID string) (Handler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.defs[definitionID]
	return h, ok
}

func (e *LocalEngine) dispatch(name, definitionID string, input []byte) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(name, definitionID, input)
	}()
}

func (e *LocalEngine) run(name, definitionID string, input []byte) {
	h, ok := e.handler(definitionID)
	if !ok {
		e.logf("workflow: no handler for %s", definitionID)
		return
	}

	output, err := h(e.runCtx, input)

	changes := map[string]string{
		"finished_at": e.now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		changes["state"] = StateFailed
		changes["error"] = err.Error()
	} else {
		changes["state"] = StateSucceeded
		changes["output"] = string(output)
	}

	// The owner condition fences out a run whose execution was claimed by
	// another engine while it was still going.
	applied, uerr := e.store.ConditionalUpdate(e.runCtx, executionKeyPrefix+name, changes, "owner", e.owner)
	if uerr != nil {
		e.logf("workflow: record %s for %s: %v", changes["state"], name, uerr)
		return
	}
	if !applied {
		e.logf("workflow: execution %s no longer owned, dropping its result", name)
	}
}

func decodeExecution(fields map[string]string) Execution {
	return Execution{
		Name:         fields["name"],
		DefinitionID: fields["definition_id"],
		State:        fields["state"],
		Input:        []byte(fields["input"]),
		Output:       []byte(fields["output"]),
		Error:        fields["error"],
	}
}
