package metric

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot indicates no snapshot matched the requested subject,
// metric, and time constraints.
var ErrNoSnapshot = errors.New("no metric snapshot available")

// Snapshot is a single observed value for one metric of one subject.
type Snapshot struct {
	// SubjectID identifies the student or trainee the value belongs to.
	SubjectID string `json:"subject_id" yaml:"subject_id"`

	// Metric is the metric name (e.g. "attendance", "assessment_score").
	Metric string `json:"metric" yaml:"metric"`

	// Value is the computed metric value.
	Value float64 `json:"value" yaml:"value"`

	// ObservedAt is when the value was computed upstream.
	ObservedAt time.Time `json:"observed_at" yaml:"observed_at"`
}

// SubjectMetrics is the full set of metric values for one subject in a
// single evaluation pass.
type SubjectMetrics struct {
	// SubjectID identifies the subject.
	SubjectID string `json:"subject_id"`

	// Values maps metric name to the latest observed value.
	Values map[string]float64 `json:"values"`

	// ObservedAt is when the snapshot set was taken.
	ObservedAt time.Time `json:"observed_at"`
}

// Value returns the named metric value and whether it is present.
func (m SubjectMetrics) Value(name string) (float64, bool) {
	v, ok := m.Values[name]
	return v, ok
}

// Source supplies metric snapshots to consumers. Implementations must be
// safe for concurrent use.
type Source interface {
	// LatestAfter returns the most recent snapshot for the given subject
	// and metric observed strictly after the given time.
	// Returns ErrNoSnapshot if none exists.
	LatestAfter(ctx context.Context, subjectID, metricName string, after time.Time) (*Snapshot, error)
}

// Recorder accepts snapshots from an upstream metric source.
type Recorder interface {
	// Record stores a snapshot for later retrieval.
	Record(ctx context.Context, snap Snapshot) error
}
