// Package workflow runs named, durable executions of registered definitions.
// Starting an execution twice under the same name is a no-op, which lets
// at-least-once consumers hand work over without double-running it.
package workflow

import (
	"context"
	"errors"
)

// Execution states.
const (
	StateRunning   = "RUNNING"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
)

// ErrUnknownDefinition is returned when no handler is registered for the
// requested definition id.
var ErrUnknownDefinition = errors.New("workflow: unknown definition")

// Handler executes one definition run.
type Handler func(ctx context.Context, input []byte) (output []byte, err error)

// Engine starts durable executions.
type Engine interface {
	// StartExecution begins a run of definitionID with input, identified by
	// name. A name that was already started returns started=false and does
	// not run again.
	StartExecution(ctx context.Context, definitionID string, input []byte, name string) (started bool, err error)
}

// Execution is a snapshot of one run's persisted state.
type Execution struct {
	Name         string
	DefinitionID string
	State        string
	Input        []byte
	Output       []byte
	Error        string
}

// Terminal reports whether the execution has finished.
func (e Execution) Terminal() bool {
	return e.State == StateSucceeded || e.State == StateFailed
}
