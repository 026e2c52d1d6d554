package states

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

// Factory builds a State of one type from its definition params.
type Factory func(name string, params json.RawMessage) (State, error)

// AdvisorFactory builds an advisor from the params stored on an instance.
type AdvisorFactory func(params map[string]any) (ExecutionEventAdvisor, error)

// Registry maps type tags to state and advisor factories. It is filled at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	advisors  map[string]AdvisorFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		advisors:  make(map[string]AdvisorFactory),
	}
}

// Register adds a state factory. Returns error on duplicate type.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "state type is empty")
	}
	if f == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "factory for state type %q is nil", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "state type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// New builds a state named name of type typ.
func (r *Registry) New(typ, name string, params json.RawMessage) (State, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "state type %q not registered", typ).
			WithDetails(map[string]any{"state": name})
	}
	st, err := f(name, params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "state %q (%s): %v", name, typ, err).WithCause(err)
	}
	return st, nil
}

// Has checks if a state type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered state types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered state types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// RegisterAdvisor adds an advisor factory. Returns error on duplicate type.
func (r *Registry) RegisterAdvisor(typ string, f AdvisorFactory) error {
	if typ == "" || f == nil {
		return schema.NewError(schema.ErrCodeValidation, "advisor type and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.advisors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "advisor type %q already registered", typ)
	}
	r.advisors[typ] = f
	return nil
}

// NewAdvisor builds the advisor an instance refers to.
func (r *Registry) NewAdvisor(ref store.AdvisorRef) (ExecutionEventAdvisor, error) {
	r.mu.RLock()
	f, ok := r.advisors[ref.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument, "advisor type %q not registered", ref.Type)
	}
	return f(ref.Params)
}
