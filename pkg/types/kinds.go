package types

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// KindSpec declares a task kind the engine accepts. Kinds form a closed
// enumeration: registration happens at startup and submissions carrying an
// unknown kind are rejected.
type KindSpec struct {
	Name          string
	RequiredFlags []string      // capability flags a provider must declare
	CostUnits     int64         // fallback cost when the provider has no estimate
	CacheTTL      time.Duration // 0 uses the engine default
	DisableCache  bool          // opt out of result caching for this kind
}

// KindRegistry holds the registered task kinds
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]KindSpec
}

// NewKindRegistry creates an empty kind registry
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]KindSpec)}
}

// Register installs a kind. Registering the same name twice is an error.
func (r *KindRegistry) Register(spec KindSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("kind name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[spec.Name]; ok {
		return fmt.Errorf("task kind already registered: %s", spec.Name)
	}
	if spec.CostUnits <= 0 {
		spec.CostUnits = 1
	}
	r.kinds[spec.Name] = spec
	return nil
}

// Get returns the spec for a kind
func (r *KindRegistry) Get(name string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[name]
	return spec, ok
}

// Names returns all registered kind names, sorted
func (r *KindRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
