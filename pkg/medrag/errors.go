// Package medrag holds the error kinds shared by every component.
// Components return these (wrapped with %w) so callers can classify
// failures with errors.Is / errors.As without importing each other.
package medrag

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTenant is returned when a tenant identifier cannot be
	// parsed as a 128-bit id in binary or canonical-string form.
	ErrInvalidTenant = errors.New("invalid tenant id")

	// ErrTenantRequired is returned in production mode when no tenant
	// id was supplied and no fallback is permitted.
	ErrTenantRequired = errors.New("tenant id required")

	// ErrInvalidArgument is returned for out-of-range or malformed
	// request parameters. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when an entity does not exist for the
	// caller's tenant. Distinct from an empty list.
	ErrNotFound = errors.New("not found")

	// ErrSessionBusy is returned when an agent run is already active
	// for the session.
	ErrSessionBusy = errors.New("session busy")

	ErrConflict          = errors.New("conflict")
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrProcedureMissing marks a chunk-store read whose stored
	// procedure is not installed; readers downgrade it to an empty
	// result with a warning.
	ErrProcedureMissing = errors.New("stored procedure missing")

	// ErrAborted marks a cooperative cancellation (client went away).
	ErrAborted = errors.New("aborted")
)

// BackendError wraps a failure of a named backend (chunk store, graph
// store, cache) so the caller can decide between degrade and fail.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err as a BackendError for the given backend.
func NewBackendError(backend string, err error) *BackendError {
	return &BackendError{Backend: backend, Err: err}
}

// EmbeddingError carries the remote provider's failure details.
type EmbeddingError struct {
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (model %s): %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// LLMError carries the model provider's failure details.
type LLMError struct {
	Provider string
	Err      error
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("llm request failed (%s): %v", e.Provider, e.Err)
}

func (e *LLMError) Unwrap() error { return e.Err }
