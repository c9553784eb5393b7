package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/fluxetl/pkg/api"
)

// Registry maps step names to handlers. It is the dispatch table the engine
// resolves declared step names against.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]api.StepHandler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]api.StepHandler),
	}
}

// Register adds a handler under name.
func (r *Registry) Register(name string, h api.StepHandler) error {
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	if h == nil {
		return fmt.Errorf("step %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.byName[name] = h
	return nil
}

// RegisterAll registers every handler in handlers.
func (r *Registry) RegisterAll(handlers map[string]api.StepHandler) error {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.Register(name, handlers[name]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (api.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byName[name]
	return h, ok
}

// Names returns the registered step names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
