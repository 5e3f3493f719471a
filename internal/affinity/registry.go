package affinity

import (
	"sync"

	"github.com/bcnelson/persistence-stack/internal/domain"
)

// Registry binds stack nodes to the execution unit that owns their context.
// It is keyed by node id and safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Unit
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Unit)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Bind records u as the unit of nodeID unless one is already bound, and
// returns the unit that ends up bound. Binding a nil unit is a no-op.
func (r *Registry) Bind(nodeID string, u *Unit) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bound, ok := r.bindings[nodeID]; ok {
		return bound
	}
	if u != nil {
		r.bindings[nodeID] = u
	}
	return u
}

// Bound returns the unit bound to nodeID.
func (r *Registry) Bound(nodeID string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.bindings[nodeID]
	return u, ok
}

// Check verifies that caller may touch nodeID. The first caller of an
// unbound node becomes its unit. A call from no unit, or from a unit other
// than the bound one, fails with *domain.ThreadConfinementError.
func (r *Registry) Check(nodeID string, caller *Unit) error {
	bound := r.Bind(nodeID, caller)
	if bound != nil && bound == caller {
		return nil
	}
	err := &domain.ThreadConfinementError{NodeID: nodeID}
	if bound != nil {
		err.Bound = bound.String()
	}
	if caller != nil {
		err.Caller = caller.String()
	}
	return err
}

// Release forgets the binding of nodeID.
func (r *Registry) Release(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, nodeID)
}

// Len returns the number of bound nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
