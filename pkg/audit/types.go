package audit

import (
	"context"
	"time"
)

// Entity types recorded in the log.
const (
	EntityRule             = "rule"
	EntityIntervention     = "intervention"
	EntityWorkflowInstance = "workflow_instance"
)

// Actions recorded in the log. The two tag-like actions
// (suppressed_duplicate, rule_error) document no-ops: a rule that fired
// but was deduplicated, and a malformed rule that was skipped.
const (
	ActionCreated             = "created"
	ActionStepCompleted       = "step_completed"
	ActionStepSkipped         = "step_skipped"
	ActionEscalated           = "escalated"
	ActionCancelled           = "cancelled"
	ActionClosed              = "closed"
	ActionCompleted           = "completed"
	ActionSuppressedDuplicate = "suppressed_duplicate"
	ActionRuleError           = "rule_error"
	ActionRuleUpdated         = "rule_updated"
)

// Compliance categories group entries for regulatory reporting.
const (
	CategoryInterventionManagement = "intervention_management"
	CategoryWorkflowProgress       = "workflow_progress"
	CategoryRuleManagement         = "rule_management"
	CategoryEscalation             = "escalation"
)

// Actor identifies who performed a mutation. The system trusts
// caller-supplied identity; authentication happens upstream.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// System is the actor stamped on automated mutations (rule engine
// firings, SLA sweeps).
var System = Actor{ID: "system", Role: "automation"}

// Entry is a single immutable audit record. After Append assigns Seq,
// PrevHash, and Hash, no field ever changes.
type Entry struct {
	// Seq is the strictly increasing sequence number, the only ordering
	// key external consumers may rely on.
	Seq int64 `json:"seq"`

	// ID is the entry's stable identifier (UUID).
	ID string `json:"id"`

	// EntityType and EntityID identify the mutated record.
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// Action names the state change (or logged no-op) this entry
	// documents.
	Action string `json:"action"`

	// ActorID and ActorRole stamp who performed the mutation.
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`

	// Before and After are canonical JSON snapshots of the entity state
	// around the mutation. Before is empty for creations.
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`

	// ComplianceCategory groups the entry for reporting.
	ComplianceCategory string `json:"compliance_category"`

	// PrevHash and Hash form the tamper-evidence chain:
	// Hash = SHA-256(PrevHash || canonical(entry)).
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	copied := *e
	return &copied
}

// Query filters audit log reads. Zero fields match everything. Results
// are always ordered by Seq ascending.
type Query struct {
	EntityType string     `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	Action     string     `json:"action,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	Category   string     `json:"category,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	MinSeq     int64      `json:"min_seq,omitempty"`
	MaxSeq     int64      `json:"max_seq,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// Matches reports whether an entry satisfies the filter fields (not
// pagination).
func (q *Query) Matches(e *Entry) bool {
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.Category != "" && e.ComplianceCategory != q.Category {
		return false
	}
	if q.StartTime != nil && e.CreatedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && e.CreatedAt.After(*q.EndTime) {
		return false
	}
	if q.MinSeq > 0 && e.Seq < q.MinSeq {
		return false
	}
	if q.MaxSeq > 0 && e.Seq > q.MaxSeq {
		return false
	}
	return true
}

// Storage is the persistence interface for audit entries.
// Implementations store entries exactly as given and must never expose
// an update path. They must be safe for concurrent use.
type Storage interface {
	// Append persists an entry with its already-assigned seq and hash.
	Append(ctx context.Context, e *Entry) error

	// Query returns entries matching the filter, ordered by seq
	// ascending.
	Query(ctx context.Context, q *Query) ([]*Entry, error)

	// Last returns the highest-seq entry, or (nil, nil) when the log is
	// empty. Used to resume the hash chain on startup.
	Last(ctx context.Context) (*Entry, error)

	// Close releases backend resources.
	Close() error
}
