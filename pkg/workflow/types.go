package workflow

import (
	"time"
)

// StepStatus is the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
)

// Step is one entry in a workflow definition.
type Step struct {
	// Number orders the step within the sequence, starting at 1.
	Number int `json:"number" yaml:"number"`

	// Name describes the action staff perform for this step.
	Name string `json:"name" yaml:"name"`

	// Required steps cannot be skipped, and the case cannot complete
	// until every required step is completed.
	Required bool `json:"required" yaml:"required"`
}

// Definition is an immutable, versioned step sequence for one
// intervention type. Never mutate a Definition after registration; the
// registry hands out defensive copies to enforce this.
type Definition struct {
	// Type is the intervention type this definition serves.
	Type string `json:"type" yaml:"type"`

	// Version is assigned by the registry, starting at 1 per type.
	Version int `json:"version" yaml:"-"`

	// Steps is the ordered step list.
	Steps []Step `json:"steps" yaml:"steps"`
}

// Validate checks the definition for construction-time errors: at least
// one step, step numbers contiguous from 1.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return &DefinitionError{Type: d.Type, Message: "intervention type is required"}
	}
	if len(d.Steps) == 0 {
		return &DefinitionError{Type: d.Type, Message: "definition needs at least one step"}
	}
	for i, step := range d.Steps {
		if step.Number != i+1 {
			return &DefinitionError{Type: d.Type, Message: "step numbers must be contiguous from 1"}
		}
		if step.Name == "" {
			return &DefinitionError{Type: d.Type, Message: "every step needs a name"}
		}
	}
	return nil
}

// clone returns a deep copy of the definition.
func (d *Definition) clone() *Definition {
	copied := *d
	copied.Steps = make([]Step, len(d.Steps))
	copy(copied.Steps, d.Steps)
	return &copied
}

// StepState is the mutable runtime state of one step within an
// instance.
type StepState struct {
	// Number matches the definition step number.
	Number int `json:"number"`

	// Status is the current step status.
	Status StepStatus `json:"status"`

	// CompletedBy is the actor who completed or skipped the step.
	CompletedBy string `json:"completed_by,omitempty"`

	// CompletedAt is when the step reached a terminal step state.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Duration is how long the step was the active one: from the
	// previous step's resolution (or instance creation) to its own.
	Duration time.Duration `json:"duration,omitempty"`
}

// Instance is the runtime workflow attached to one intervention. Writes
// go through the optimistic Version check in the store, so a losing
// concurrent writer observes a conflict instead of overwriting.
type Instance struct {
	// InterventionID is the owning intervention.
	InterventionID string `json:"intervention_id"`

	// DefinitionType and DefinitionVersion pin the immutable definition
	// this instance runs.
	DefinitionType    string `json:"definition_type"`
	DefinitionVersion int    `json:"definition_version"`

	// Steps mirrors the definition's steps with runtime state.
	Steps []StepState `json:"steps"`

	// Frozen is set on escalation; a frozen instance rejects further
	// step updates and no longer drives intervention status.
	Frozen bool `json:"frozen"`

	// Version is the optimistic concurrency token.
	Version int64 `json:"version"`

	// CreatedAt is when the instance was attached.
	CreatedAt time.Time `json:"created_at"`
}

// NewInstance builds an instance from a definition with every step
// pending.
func NewInstance(interventionID string, def *Definition, now time.Time) *Instance {
	steps := make([]StepState, len(def.Steps))
	for i, step := range def.Steps {
		steps[i] = StepState{Number: step.Number, Status: StepPending}
	}
	return &Instance{
		InterventionID:    interventionID,
		DefinitionType:    def.Type,
		DefinitionVersion: def.Version,
		Steps:             steps,
		Version:           1,
		CreatedAt:         now,
	}
}

// Step returns the state for the given step number.
func (in *Instance) Step(number int) (*StepState, bool) {
	for i := range in.Steps {
		if in.Steps[i].Number == number {
			return &in.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the instance.
func (in *Instance) Clone() *Instance {
	copied := *in
	copied.Steps = make([]StepState, len(in.Steps))
	copy(copied.Steps, in.Steps)
	return &copied
}

// LastResolvedAt returns the most recent step resolution time, falling
// back to instance creation. Used to compute per-step durations.
func (in *Instance) LastResolvedAt() time.Time {
	last := in.CreatedAt
	for i := range in.Steps {
		if !in.Steps[i].CompletedAt.IsZero() && in.Steps[i].CompletedAt.After(last) {
			last = in.Steps[i].CompletedAt
		}
	}
	return last
}
