package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/workflow"
)

// MemoryStore implements intervention.Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	numberSeq  int64
	cases      map[string]*intervention.Intervention
	instances  map[string]*workflow.Instance
	lastFiring map[string]time.Time // key: subjectID + "\x00" + ruleID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:      make(map[string]*intervention.Intervention),
		instances:  make(map[string]*workflow.Instance),
		lastFiring: make(map[string]time.Time),
	}
}

// NextNumber atomically reserves the next case number sequence value.
func (s *MemoryStore) NextNumber(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numberSeq++
	return s.numberSeq, nil
}

// Create inserts a new intervention, enforcing the one-open-case
// invariant for its (subject, trigger) pair.
func (s *MemoryStore) Create(ctx context.Context, iv *intervention.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.cases {
		if existing.SubjectID == iv.SubjectID &&
			existing.TriggerKey() == iv.TriggerKey() &&
			existing.Status.Open() {
			return intervention.ErrDuplicateOpen
		}
	}

	s.cases[iv.ID] = iv.Clone()
	return nil
}

// Get returns the intervention with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*intervention.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iv, ok := s.cases[id]
	if !ok {
		return nil, intervention.ErrNotFound
	}
	return iv.Clone(), nil
}

// Update writes back a modified intervention under an optimistic
// version check.
func (s *MemoryStore) Update(ctx context.Context, iv *intervention.Intervention, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cases[iv.ID]
	if !ok {
		return intervention.ErrNotFound
	}
	if current.Version != expectedVersion {
		return intervention.ErrConcurrentModification
	}

	next := iv.Clone()
	next.Version = expectedVersion + 1
	s.cases[iv.ID] = next
	iv.Version = next.Version
	return nil
}

// Delete removes an intervention and its instance.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[id]; !ok {
		return intervention.ErrNotFound
	}
	delete(s.cases, id)
	delete(s.instances, id)
	return nil
}

// FindOpen returns the open intervention for (subject, trigger key).
func (s *MemoryStore) FindOpen(ctx context.Context, subjectID, triggerKey string) (*intervention.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, iv := range s.cases {
		if iv.SubjectID == subjectID && iv.TriggerKey() == triggerKey && iv.Status.Open() {
			return iv.Clone(), nil
		}
	}
	return nil, intervention.ErrNotFound
}

// List returns interventions matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, f intervention.Filter) ([]*intervention.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*intervention.Intervention
	for _, iv := range s.cases {
		if f.Matches(iv) {
			out = append(out, iv.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Number > out[j].Number
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByStatus derives case counts grouped by status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[intervention.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[intervention.Status]int)
	for _, iv := range s.cases {
		counts[iv.Status]++
	}
	return counts, nil
}

// RecordFiring stores the last firing time for (subject, rule).
func (s *MemoryStore) RecordFiring(ctx context.Context, subjectID, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFiring[firingKey(subjectID, ruleID)] = at
	return nil
}

// LastFiring returns the last firing time for (subject, rule).
func (s *MemoryStore) LastFiring(ctx context.Context, subjectID, ruleID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.lastFiring[firingKey(subjectID, ruleID)]
	return at, ok, nil
}

// CreateInstance attaches a workflow instance to an intervention.
func (s *MemoryStore) CreateInstance(ctx context.Context, in *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[in.InterventionID] = in.Clone()
	return nil
}

// GetInstance returns the workflow instance for an intervention.
func (s *MemoryStore) GetInstance(ctx context.Context, interventionID string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instances[interventionID]
	if !ok {
		return nil, intervention.ErrNotFound
	}
	return in.Clone(), nil
}

// UpdateInstance writes back a modified instance under an optimistic
// version check.
func (s *MemoryStore) UpdateInstance(ctx context.Context, in *workflow.Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[in.InterventionID]
	if !ok {
		return intervention.ErrNotFound
	}
	if current.Version != expectedVersion {
		return intervention.ErrConcurrentModification
	}

	next := in.Clone()
	next.Version = expectedVersion + 1
	s.instances[in.InterventionID] = next
	in.Version = next.Version
	return nil
}

// Close releases resources (a no-op for the memory backend).
func (s *MemoryStore) Close() error {
	return nil
}

func firingKey(subjectID, ruleID string) string {
	return subjectID + "\x00" + ruleID
}
