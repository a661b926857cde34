package storage

import (
	"context"
	"fmt"
	"sync"

	"meridian-hq/meridian/pkg/audit"
)

// MemoryStorage implements audit.Storage with an in-memory slice,
// ordered by seq. Entries are copied both ways so callers can never
// mutate stored state.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []*audit.Entry
}

// NewMemoryStorage creates an empty in-memory audit backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append persists an entry. Sequence numbers must arrive in order; the
// Log guarantees this.
func (s *MemoryStorage) Append(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.entries); n > 0 && e.Seq != s.entries[n-1].Seq+1 {
		return audit.NewStorageError("memory", "append",
			fmt.Errorf("out-of-order seq %d after %d", e.Seq, s.entries[n-1].Seq))
	}

	s.entries = append(s.entries, e.Clone())
	return nil
}

// Query returns entries matching the filter, ordered by seq ascending.
func (s *MemoryStorage) Query(ctx context.Context, q *audit.Query) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	skipped := 0
	for _, e := range s.entries {
		if !q.Matches(e) {
			continue
		}
		if q.Offset > 0 && skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e.Clone())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Last returns the highest-seq entry, or nil when empty.
func (s *MemoryStorage) Last(ctx context.Context) (*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1].Clone(), nil
}

// Close releases resources (a no-op for the memory backend).
func (s *MemoryStorage) Close() error {
	return nil
}
