package device

import (
	"fmt"
	"sort"
	"sync"
)

// EngineInfo pairs a registry key with the engine's device name.
type EngineInfo struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Registry holds registered engines and resolves which one to use for a
// requested device kind.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	def     string
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// Register adds an engine under its Kind. The first registered engine becomes
// the default.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Kind()] = e
	if r.def == "" {
		r.def = e.Kind()
	}
}

// SetDefault selects the engine returned for an empty kind.
func (r *Registry) SetDefault(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[kind]; !ok {
		return fmt.Errorf("device %q is not registered", kind)
	}
	r.def = kind
	return nil
}

// Resolve returns the engine registered for kind. An empty kind resolves to
// the default engine.
func (r *Registry) Resolve(kind string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := kind
	if target == "" {
		target = r.def
	}
	e, ok := r.engines[target]
	if !ok {
		return nil, fmt.Errorf("device %q is not registered", target)
	}
	return e, nil
}

// List returns all registered engines sorted by kind for a stable API
// response.
func (r *Registry) List() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EngineInfo, 0, len(r.engines))
	for kind, e := range r.engines {
		infos = append(infos, EngineInfo{Kind: kind, Name: e.Name()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
