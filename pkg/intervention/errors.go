package intervention

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all store backends.
var (
	// ErrNotFound indicates no intervention (or instance) exists for the
	// given id.
	ErrNotFound = errors.New("intervention not found")

	// ErrConcurrentModification indicates an optimistic update lost a
	// race: the stored version no longer matches the caller's. The
	// caller must reload and retry; the store never merges conflicting
	// writes.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateOpen indicates an open case already exists for the
	// same (subject, trigger) pair.
	ErrDuplicateOpen = errors.New("open intervention already exists for subject and trigger")
)

// StorageError wraps a backend failure with backend and operation
// context.
type StorageError struct {
	Backend   string
	Operation string
	Cause     error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	return fmt.Sprintf("intervention storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}
