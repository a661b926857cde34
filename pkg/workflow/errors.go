package workflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for workflow lookups.
var (
	// ErrDefinitionNotFound indicates no definition exists for the
	// requested type or (type, version).
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrStepNotFound indicates the step number does not exist in the
	// instance.
	ErrStepNotFound = errors.New("workflow step not found")
)

// DefinitionError indicates a workflow definition failed validation.
type DefinitionError struct {
	Type    string
	Message string
}

// Error returns the error message.
func (e *DefinitionError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("workflow definition invalid: %s", e.Message)
	}
	return fmt.Sprintf("workflow definition %q invalid: %s", e.Type, e.Message)
}
