package audit

import (
	"errors"
	"fmt"
)

// ErrAppendFailed marks a failed audit append. Any mutation whose audit
// entry cannot be committed must roll back entirely; engines unwrap this
// error to decide that.
var ErrAppendFailed = errors.New("audit append failed")

// StorageError wraps a backend failure with backend and operation
// context.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}

// ChainError indicates hash chain verification failed at a specific
// sequence number.
type ChainError struct {
	Seq     int64
	Message string
}

// Error returns the error message.
func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Message)
}

// EntryError indicates an entry failed validation before append.
type EntryError struct {
	Field   string
	Message string
}

// Error returns the error message.
func (e *EntryError) Error() string {
	return fmt.Sprintf("invalid audit entry: %s: %s", e.Field, e.Message)
}
