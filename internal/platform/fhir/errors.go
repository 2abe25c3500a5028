package fhir

import "fmt"

// The error taxonomy shared by the store and the bundle orchestrator.
// Callers distinguish categories with errors.As; every category carries a
// human-readable message suitable for an OperationOutcome.

// ValidationError reports a malformed bundle, entry, or search query.
// Always client-caused; never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// VersionConflictError reports an optimistic-concurrency collision.
// Recoverable: the caller should re-read and retry.
type VersionConflictError struct {
	ResourceType string
	ID           string
	Expected     int
	Got          int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: stored version %d, caller supplied %d",
		e.ResourceType, e.ID, e.Expected, e.Got)
}

// NotFoundError reports a missing resource on read, update target, patch, or delete.
type NotFoundError struct {
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ID)
}

// ReferenceError reports a malformed or unresolvable resource reference.
type ReferenceError struct {
	Reference string
	Msg       string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("reference %q: %s", e.Reference, e.Msg)
}

// DuplicateError reports a detected duplicate submission. Informational:
// the orchestrator records it but does not necessarily fail the bundle.
type DuplicateError struct {
	Key      string
	Existing string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of %s (key %s)", e.Existing, e.Key)
}

// StoreError wraps an underlying storage failure, treated as possibly transient.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// UnsupportedOperationError reports an unknown HTTP method or resource type.
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation: %s", e.Op)
}
