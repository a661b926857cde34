package metric

import (
	"context"
	"sync"
	"time"
)

// MemorySource keeps snapshot history in memory. It implements both
// Source and Recorder and is the backing store for the daemon's ingest
// path and for tests.
type MemorySource struct {
	mu sync.RWMutex
	// snapshots keyed by subject, then metric name, ordered by arrival.
	snapshots map[string]map[string][]Snapshot
}

// NewMemorySource creates an empty in-memory snapshot source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		snapshots: make(map[string]map[string][]Snapshot),
	}
}

// Record stores a snapshot.
func (s *MemorySource) Record(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySubject, ok := s.snapshots[snap.SubjectID]
	if !ok {
		bySubject = make(map[string][]Snapshot)
		s.snapshots[snap.SubjectID] = bySubject
	}
	bySubject[snap.Metric] = append(bySubject[snap.Metric], snap)
	return nil
}

// RecordSet stores every value of a SubjectMetrics set as individual
// snapshots stamped with the set's observation time.
func (s *MemorySource) RecordSet(ctx context.Context, sm SubjectMetrics) error {
	for name, value := range sm.Values {
		snap := Snapshot{
			SubjectID:  sm.SubjectID,
			Metric:     name,
			Value:      value,
			ObservedAt: sm.ObservedAt,
		}
		if err := s.Record(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// LatestAfter returns the most recent snapshot for the subject and
// metric observed strictly after the given time.
func (s *MemorySource) LatestAfter(ctx context.Context, subjectID, metricName string, after time.Time) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snapshots[subjectID][metricName]

	var latest *Snapshot
	for i := range history {
		snap := history[i]
		if !snap.ObservedAt.After(after) {
			continue
		}
		if latest == nil || snap.ObservedAt.After(latest.ObservedAt) {
			copied := snap
			latest = &copied
		}
	}

	if latest == nil {
		return nil, ErrNoSnapshot
	}
	return latest, nil
}
