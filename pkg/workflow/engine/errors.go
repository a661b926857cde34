package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for workflow operations. Each rejection maps to a
// specific kind so calling UIs can present actionable messages.
var (
	// ErrWorkflowFrozen indicates the intervention was escalated; the
	// workflow no longer accepts step updates or drives status.
	ErrWorkflowFrozen = errors.New("workflow frozen after escalation")

	// ErrTerminalStatus indicates the intervention already reached a
	// final status and cannot transition again.
	ErrTerminalStatus = errors.New("intervention is in a terminal status")

	// ErrReasonRequired indicates a cancellation arrived without a
	// reason. Cancellations are irreversible and must carry one.
	ErrReasonRequired = errors.New("a reason is required")

	// ErrActorRequired indicates the operation arrived without an actor
	// identity to stamp the audit entry with.
	ErrActorRequired = errors.New("an actor identity is required")
)

// StepOrderViolation indicates a step update arrived before every
// earlier step was resolved. The caller must complete (or skip) the
// blocking step first; intervention state is unchanged.
type StepOrderViolation struct {
	Step     int // step the caller tried to update
	Blocking int // earliest unresolved step
}

// Error returns the error message.
func (e *StepOrderViolation) Error() string {
	return fmt.Sprintf("complete step %d before step %d", e.Blocking, e.Step)
}

// CannotSkipRequiredStep indicates a skip was attempted on a required
// step.
type CannotSkipRequiredStep struct {
	Step int
}

// Error returns the error message.
func (e *CannotSkipRequiredStep) Error() string {
	return fmt.Sprintf("step %d is required and cannot be skipped", e.Step)
}

// StepAlreadyResolved indicates the step already left pending state.
type StepAlreadyResolved struct {
	Step   int
	Status string
}

// Error returns the error message.
func (e *StepAlreadyResolved) Error() string {
	return fmt.Sprintf("step %d is already %s", e.Step, e.Status)
}
