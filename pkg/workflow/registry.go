package workflow

import (
	"sync"
)

// Registry is an arena of immutable workflow definition versions indexed
// by (type, version). Registering a definition for an existing type
// assigns the next version; prior versions stay retrievable forever so
// in-flight instances keep a stable view of their step sequence.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]map[int]*Definition
	latest map[string]int
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[string]map[int]*Definition),
		latest: make(map[string]int),
	}
}

// Register validates the definition and stores it under the next version
// for its type, returning the assigned version.
func (reg *Registry) Register(def *Definition) (int, error) {
	if err := def.Validate(); err != nil {
		return 0, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	version := reg.latest[def.Type] + 1
	stored := def.clone()
	stored.Version = version

	byVersion, ok := reg.defs[def.Type]
	if !ok {
		byVersion = make(map[int]*Definition)
		reg.defs[def.Type] = byVersion
	}
	byVersion[version] = stored
	reg.latest[def.Type] = version

	return version, nil
}

// Get returns a copy of the definition for (type, version).
func (reg *Registry) Get(interventionType string, version int) (*Definition, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	def, ok := reg.defs[interventionType][version]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return def.clone(), nil
}

// Latest returns a copy of the newest definition for the type.
func (reg *Registry) Latest(interventionType string) (*Definition, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	version, ok := reg.latest[interventionType]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return reg.defs[interventionType][version].clone(), nil
}

// Types returns the intervention types with at least one registered
// definition.
func (reg *Registry) Types() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]string, 0, len(reg.latest))
	for t := range reg.latest {
		out = append(out, t)
	}
	return out
}
