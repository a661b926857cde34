package intervention

import (
	"fmt"
	"time"
)

// Status is the overall lifecycle state of an intervention case.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusEscalated  Status = "escalated"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal states never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusClosed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether a case in this status counts against the
// one-open-case-per-trigger invariant.
func (s Status) Open() bool {
	return !s.Terminal()
}

// Trigger sources.
const (
	SourceRule   = "rule"
	SourceManual = "manual"
)

// Intervention is a tracked support or compliance case opened for a
// subject, either automatically by a firing rule or manually by staff.
type Intervention struct {
	// ID is the internal identifier (UUID).
	ID string `json:"id"`

	// Number is the immutable human-facing case number assigned at
	// creation (e.g. "INT-000042").
	Number string `json:"number"`

	// SubjectID identifies the student or trainee.
	SubjectID string `json:"subject_id"`

	// TriggerSource is SourceRule or SourceManual.
	TriggerSource string `json:"trigger_source"`

	// RuleID is the originating rule for rule-sourced cases, empty for
	// manual ones.
	RuleID string `json:"rule_id,omitempty"`

	// Type selects the workflow definition.
	Type string `json:"type"`

	// Priority is inherited from the originating rule (or supplied for
	// manual cases).
	Priority int `json:"priority"`

	// Status is the overall case status.
	Status Status `json:"status"`

	// ActionDescription describes the support action being taken.
	ActionDescription string `json:"action_description"`

	// ResponsibleActor is the staff member accountable for the case.
	ResponsibleActor string `json:"responsible_actor"`

	// CreatedAt is when the case was opened.
	CreatedAt time.Time `json:"created_at"`

	// RequiresFollowup marks the case for the SLA sweep; FollowupDate is
	// when the sweep escalates it if still open.
	RequiresFollowup bool      `json:"requires_followup"`
	FollowupDate     time.Time `json:"followup_date,omitzero"`

	// Outcome records the resolution (or cancellation/escalation
	// reason).
	Outcome string `json:"outcome,omitempty"`

	// ClosedAt is when the case reached a terminal status.
	ClosedAt time.Time `json:"closed_at,omitzero"`

	// Metric, BaselineValue and TargetValue pin the impact inputs at
	// creation time: the metric observed when the rule fired and the
	// rule's threshold.
	Metric        string  `json:"metric,omitempty"`
	BaselineValue float64 `json:"baseline_value,omitempty"`
	TargetValue   float64 `json:"target_value,omitempty"`

	// Version is the optimistic concurrency token; every successful
	// update increments it.
	Version int64 `json:"version"`
}

// TriggerKey is the deduplication key for the one-open-case invariant:
// rule-sourced cases dedup on the rule id, manual ones on the case type.
func (iv *Intervention) TriggerKey() string {
	if iv.TriggerSource == SourceRule {
		return iv.RuleID
	}
	return SourceManual + ":" + iv.Type
}

// Clone returns a copy of the intervention.
func (iv *Intervention) Clone() *Intervention {
	copied := *iv
	return &copied
}

// FormatNumber renders the immutable case number for a sequence value.
func FormatNumber(seq int64) string {
	return fmt.Sprintf("INT-%06d", seq)
}

// Filter selects interventions in List queries. Zero fields match
// everything.
type Filter struct {
	SubjectID     string
	RuleID        string
	Type          string
	Status        Status
	OnlyOpen      bool
	FollowupDueBy time.Time
	CreatedFrom   time.Time
	CreatedTo     time.Time
	Limit         int
}

// Matches reports whether the intervention satisfies the filter.
func (f Filter) Matches(iv *Intervention) bool {
	if f.SubjectID != "" && iv.SubjectID != f.SubjectID {
		return false
	}
	if f.RuleID != "" && iv.RuleID != f.RuleID {
		return false
	}
	if f.Type != "" && iv.Type != f.Type {
		return false
	}
	if f.Status != "" && iv.Status != f.Status {
		return false
	}
	if f.OnlyOpen && !iv.Status.Open() {
		return false
	}
	if !f.FollowupDueBy.IsZero() {
		if !iv.RequiresFollowup || iv.FollowupDate.IsZero() || iv.FollowupDate.After(f.FollowupDueBy) {
			return false
		}
	}
	if !f.CreatedFrom.IsZero() && iv.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && iv.CreatedAt.After(f.CreatedTo) {
		return false
	}
	return true
}
