package rule

import (
	"time"
)

// DefaultCooldown bounds re-firing for a (subject, rule) pair when a
// rule does not specify its own window.
const DefaultCooldown = 24 * time.Hour

// Rule is a condition over one metric that opens an intervention when
// met. Rules are deactivated rather than deleted so historical audit
// entries stay attributable.
type Rule struct {
	// ID is the stable rule identifier. It tie-breaks priority ordering,
	// so evaluation order is a total order.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable rule name.
	Name string `json:"name" yaml:"name"`

	// Condition is the validated threshold comparison.
	Condition Condition `json:"condition" yaml:"condition"`

	// InterventionType selects the workflow definition attached to
	// interventions this rule opens.
	InterventionType string `json:"intervention_type" yaml:"intervention_type"`

	// Priority orders firing within one evaluation pass; higher fires
	// first, ties broken by ID ascending.
	Priority int `json:"priority" yaml:"priority"`

	// Active gates evaluation. Inactive rules are never evaluated.
	Active bool `json:"active" yaml:"active"`

	// Invalid is set when evaluation hit a malformed condition. Invalid
	// rules are skipped until the definition is corrected and reloaded.
	Invalid bool `json:"invalid" yaml:"-"`

	// CooldownWindow bounds how often the rule may re-fire for the same
	// subject. Zero means DefaultCooldown.
	CooldownWindow time.Duration `json:"cooldown_window" yaml:"cooldown_window"`

	// TriggerCount counts every firing, including suppressed ones.
	TriggerCount int64 `json:"trigger_count" yaml:"-"`

	// ActionDescription seeds the intervention's action description.
	ActionDescription string `json:"action_description" yaml:"action_description"`

	// ResponsibleActor is the default actor assigned to interventions
	// this rule opens.
	ResponsibleActor string `json:"responsible_actor" yaml:"responsible_actor"`

	// RequiresFollowup marks opened interventions for the SLA sweep.
	RequiresFollowup bool `json:"requires_followup" yaml:"requires_followup"`

	// FollowupAfter is how long after creation the followup falls due.
	FollowupAfter time.Duration `json:"followup_after" yaml:"followup_after"`
}

// Cooldown returns the effective cooldown window.
func (r *Rule) Cooldown() time.Duration {
	if r.CooldownWindow > 0 {
		return r.CooldownWindow
	}
	return DefaultCooldown
}

// Validate checks the rule for construction-time errors.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "rule id is required"}
	}
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "rule name is required"}
	}
	if r.InterventionType == "" {
		return &ValidationError{Field: "intervention_type", Message: "intervention type is required"}
	}
	if r.CooldownWindow < 0 {
		return &ValidationError{Field: "cooldown_window", Message: "cooldown window cannot be negative"}
	}
	if _, err := NewCondition(r.Condition.Metric, r.Condition.Operator, r.Condition.Threshold); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy. Registry snapshots hand out clones so
// callers cannot mutate registry state.
func (r *Rule) Clone() *Rule {
	copied := *r
	return &copied
}
