package engine

import (
	"fmt"
	"sync"

	"github.com/agentichr/hrflow/pkg/api"
)

// Registry maps workflow types to their functions. Registration happens
// at startup; lookups happen on every replay.
type Registry struct {
	mu   sync.RWMutex
	defs map[api.WorkflowType]api.WorkflowFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[api.WorkflowType]api.WorkflowFunc)}
}

// Register adds a workflow definition. Re-registering a type is an
// error; replaying existing histories against a silently swapped
// function would break determinism.
func (r *Registry) Register(def api.WorkflowDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("workflow definition has empty type")
	}
	if def.Fn == nil {
		return fmt.Errorf("workflow definition %q has nil function", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("workflow type %q already registered", def.Type)
	}
	r.defs[def.Type] = def.Fn
	return nil
}

// Get returns the function for a workflow type, or
// api.ErrUnknownWorkflowType.
func (r *Registry) Get(t api.WorkflowType) (api.WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.defs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownWorkflowType, t)
	}
	return fn, nil
}
