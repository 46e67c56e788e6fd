package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a creation would breach an agent
	// or engine ceiling. Callers may retry after freeing capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotFound is returned for an unknown agent or engine id.
	ErrNotFound = errors.New("not found")

	// ErrNoEligibleEngines is returned when a task is dispatched to an agent
	// that owns zero engines.
	ErrNoEligibleEngines = errors.New("no eligible engines")

	// ErrEngineShutdown rejects operations that were queued but not started
	// when their engine shut down, and submissions to a shut-down engine.
	ErrEngineShutdown = errors.New("engine shut down")

	// ErrShuttingDown is returned by the orchestrator for requests arriving
	// after graceful shutdown began.
	ErrShuttingDown = errors.New("shutting down")
)

// OperationError wraps a failure of a single engine operation. The failure is
// isolated to that operation: the engine increments its error counter and
// keeps processing its queue.
type OperationError struct {
	EngineID    string
	OperationID string
	Err         error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed on engine %s: %v", e.OperationID, e.EngineID, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *OperationError) Unwrap() error { return e.Err }

// CollaboratorError wraps a ledger, storage or inference call failure. It is
// surfaced to the caller without implicit retry.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

// Error implements the error interface.
func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Collaborator, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *CollaboratorError) Unwrap() error { return e.Err }
