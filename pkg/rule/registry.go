package rule

import (
	"sort"
	"sync"
)

// Registry holds the active rule set. Reads hand out clones sorted into
// evaluation order; trigger counts and invalid flags mutate under the
// registry lock so concurrent evaluation passes see consistent state.
// Replace swaps the whole set on hot reload while preserving counters
// for rules that survive the reload.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]*Rule)}
}

// Add validates and inserts a rule. Adding an existing id replaces the
// definition but keeps the trigger count.
func (reg *Registry) Add(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	copied := r.Clone()
	if existing, ok := reg.rules[r.ID]; ok {
		copied.TriggerCount = existing.TriggerCount
	}
	reg.rules[r.ID] = copied
	return nil
}

// Get returns a clone of the rule with the given id.
func (reg *Registry) Get(id string) (*Rule, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	r, ok := reg.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return r.Clone(), nil
}

// Snapshot returns clones of all rules ordered for evaluation: priority
// descending, ties by id ascending. The ordering is a total order, so
// two passes over the same set evaluate rules identically.
func (reg *Registry) Snapshot() []*Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Rule, 0, len(reg.rules))
	for _, r := range reg.rules {
		out = append(out, r.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// IncrementTrigger bumps the rule's trigger count and returns the new
// value.
func (reg *Registry) IncrementTrigger(id string) (int64, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rules[id]
	if !ok {
		return 0, ErrRuleNotFound
	}
	r.TriggerCount++
	return r.TriggerCount, nil
}

// MarkInvalid flags a rule as malformed so later passes skip it.
// Returns false if the rule was already invalid.
func (reg *Registry) MarkInvalid(id string) (bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rules[id]
	if !ok {
		return false, ErrRuleNotFound
	}
	if r.Invalid {
		return false, nil
	}
	r.Invalid = true
	return true, nil
}

// Deactivate turns a rule off without deleting it, keeping history
// attributable.
func (reg *Registry) Deactivate(id string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Active = false
	return nil
}

// Replace swaps the rule set for a freshly loaded one. Trigger counts
// carry over by id. Every incoming rule must already be valid; the first
// invalid rule aborts the swap leaving the current set untouched.
func (reg *Registry) Replace(rules []*Rule) error {
	next := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := next[r.ID]; dup {
			return &ValidationError{Field: "id", Message: "duplicate rule id " + r.ID}
		}
		next[r.ID] = r.Clone()
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for id, r := range next {
		if existing, ok := reg.rules[id]; ok {
			r.TriggerCount = existing.TriggerCount
		}
	}
	reg.rules = next
	return nil
}

// Len returns the number of registered rules.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rules)
}
