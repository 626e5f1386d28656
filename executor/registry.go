package executor

import (
	"sync"

	"goa.design/weave/fault"
)

type (
	// Registry resolves executor names across an ordered list of scopes.
	// Each plugin contributes a foreign scope at bootstrap; the engine owns
	// the local scope. Lookup probes foreign scopes in contribution order and
	// the local scope last, so a name registered by a sibling bundle wins
	// without the engine knowing where it came from. The origin scope is
	// cached for diagnostics.
	Registry struct {
		mu      sync.RWMutex
		local   *Scope
		foreign []*Scope
		sealed  bool
		origins map[string]string
	}

	// Scope is one named registration namespace. Duplicate names within a
	// scope conflict; the same name in different scopes is allowed and
	// resolves by scope order.
	Scope struct {
		name    string
		entries map[string]Executor
		order   []string
		reg     *Registry
	}

	// Registration enumerates one (scope, name) pair.
	Registration struct {
		Scope string
		Name  string
	}
)

// LocalScope is the name of the engine-owned scope.
const LocalScope = "local"

// NewRegistry constructs a registry with an empty local scope.
func NewRegistry() *Registry {
	r := &Registry{origins: make(map[string]string)}
	r.local = &Scope{name: LocalScope, entries: make(map[string]Executor), reg: r}
	return r
}

// ContributeScope adds a foreign scope. Scope names must be unique and
// contribution order determines lookup precedence. Contributing after Seal
// fails with a conflict error.
func (r *Registry) ContributeScope(name string) (*Scope, error) {
	if name == "" || name == LocalScope {
		return nil, fault.Validation("scope name %q is reserved or empty", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, fault.Conflict("registry is sealed; scope %q cannot be contributed", name)
	}
	for _, s := range r.foreign {
		if s.name == name {
			return nil, fault.Conflict("scope %q already contributed", name)
		}
	}
	s := &Scope{name: name, entries: make(map[string]Executor), reg: r}
	r.foreign = append(r.foreign, s)
	return s, nil
}

// Register adds an executor to the local scope.
func (r *Registry) Register(ex Executor) error {
	return r.local.Register(ex)
}

// Register adds an executor to this scope. Duplicate names within the scope
// fail with a conflict error, as does registering after the registry is
// sealed.
func (s *Scope) Register(ex Executor) error {
	if ex == nil || ex.Name() == "" {
		return fault.Validation("executor and its name are required")
	}
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if s.reg.sealed {
		return fault.Conflict("registry is sealed; executor %q cannot be registered", ex.Name())
	}
	if _, dup := s.entries[ex.Name()]; dup {
		return fault.Conflict("executor %q already registered in scope %q", ex.Name(), s.name)
	}
	s.entries[ex.Name()] = ex
	s.order = append(s.order, ex.Name())
	return nil
}

// Seal locks the registry and precomputes the origin scope of every
// resolvable name. Registration happens at bootstrap only; the resolve path
// is read-only afterwards.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	for _, name := range r.local.order {
		r.origins[name] = LocalScope
	}
	// Later scopes must not shadow earlier ones, walk in reverse precedence.
	for i := len(r.foreign) - 1; i >= 0; i-- {
		for _, name := range r.foreign[i].order {
			r.origins[name] = r.foreign[i].name
		}
	}
}

// Resolve walks foreign scopes in contribution order, then the local scope,
// and returns the first executor registered under name. Unknown names fail
// with a not-found error.
func (r *Registry) Resolve(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.foreign {
		if ex, ok := s.entries[name]; ok {
			return ex, nil
		}
	}
	if ex, ok := r.local.entries[name]; ok {
		return ex, nil
	}
	return nil, fault.NotFound("executor %q is not registered in any scope", name)
}

// Origin reports which scope a name resolves from. Populated when the
// registry is sealed.
func (r *Registry) Origin(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	origin, ok := r.origins[name]
	return origin, ok
}

// List enumerates every (scope, name) pair in lookup order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for _, s := range r.foreign {
		for _, name := range s.order {
			out = append(out, Registration{Scope: s.name, Name: name})
		}
	}
	for _, name := range r.local.order {
		out = append(out, Registration{Scope: LocalScope, Name: name})
	}
	return out
}
