package intervention

import (
	"context"
	"time"

	"meridian-hq/meridian/pkg/workflow"
)

// Store persists interventions, their workflow instances, and rule
// firing history. Implementations must be safe for concurrent use.
//
// Updates use optimistic concurrency: the caller passes the version it
// read, and the store rejects the write with ErrConcurrentModification
// when the stored version differs.
type Store interface {
	// NextNumber atomically reserves the next case number sequence
	// value.
	NextNumber(ctx context.Context) (int64, error)

	// Create inserts a new intervention. It fails with ErrDuplicateOpen
	// when an open case already exists for the same (subject, trigger)
	// pair.
	Create(ctx context.Context, iv *Intervention) error

	// Get returns the intervention with the given id.
	Get(ctx context.Context, id string) (*Intervention, error)

	// Update writes back a modified intervention. expectedVersion is the
	// version the caller read; on success the stored version becomes
	// expectedVersion+1.
	Update(ctx context.Context, iv *Intervention, expectedVersion int64) error

	// Delete removes an intervention and its instance. It exists solely
	// so a failed audit append can unwind its creation; committed cases
	// are never deleted.
	Delete(ctx context.Context, id string) error

	// FindOpen returns the open intervention for (subject, trigger key),
	// or ErrNotFound.
	FindOpen(ctx context.Context, subjectID, triggerKey string) (*Intervention, error)

	// List returns interventions matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Intervention, error)

	// CountByStatus derives case counts grouped by status. Counts are
	// always computed from stored rows, never cached.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// RecordFiring stores the last firing time for (subject, rule) used
	// by cooldown suppression.
	RecordFiring(ctx context.Context, subjectID, ruleID string, at time.Time) error

	// LastFiring returns the last firing time for (subject, rule) and
	// whether one exists.
	LastFiring(ctx context.Context, subjectID, ruleID string) (time.Time, bool, error)

	// CreateInstance attaches a workflow instance to an intervention.
	CreateInstance(ctx context.Context, in *workflow.Instance) error

	// GetInstance returns the workflow instance for an intervention.
	GetInstance(ctx context.Context, interventionID string) (*workflow.Instance, error)

	// UpdateInstance writes back a modified instance under the same
	// optimistic versioning rules as Update.
	UpdateInstance(ctx context.Context, in *workflow.Instance, expectedVersion int64) error

	// Close releases backend resources.
	Close() error
}
