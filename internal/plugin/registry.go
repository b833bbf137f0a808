package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters available to an engine. Built-in adapters
// register at init time; dynamically loaded modules are added by LoadDir.
type Registry struct {
	mu       sync.Mutex
	adapters []Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds an adapter. An adapter offering only part of the
// attribute declaration capability (Attrs without ValidateAttr is not
// expressible in Go, but a nil attribute list with Required entries is)
// is rejected so a mapping can never reference half-declared attributes.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.adapters {
		if have.Name() == a.Name() {
			return fmt.Errorf("adapter %q already registered", a.Name())
		}
	}
	r.adapters = append(r.adapters, a)
	r.reorder()
	return nil
}

// Lookup returns the adapter with the given name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.adapters {
		if a.Name() == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no adapter named %q", name)
}

// Adapters returns the current adapter list, fix-capable adapters first.
func (r *Registry) Adapters() []Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// reorder moves fix-capable (Perforce-class) adapters to the head of the
// list, preserving relative order otherwise. Callers hold r.mu.
func (r *Registry) reorder() {
	sort.SliceStable(r.adapters, func(i, j int) bool {
		return supportsFixes(r.adapters[i]) && !supportsFixes(r.adapters[j])
	})
}

func supportsFixes(a Adapter) bool {
	fs, ok := a.(FixSupporter)
	return ok && fs.SupportsFixes()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that built-in adapters
// register into.
func Default() *Registry { return defaultRegistry }

// MustRegister registers into the default registry and panics on a
// duplicate name. For use from adapter init functions.
func MustRegister(a Adapter) {
	if err := defaultRegistry.Register(a); err != nil {
		panic(err)
	}
}
