package tools

import (
	"sort"
	"sync"

	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Registry is the read-mostly lookup table from tool name to descriptor.
type Registry interface {
	Lookup(name string) (Descriptor, bool)
	List() []Descriptor
}

// InMemoryRegistry is a thread-safe Registry whose contents can be swapped
// atomically when the tool file is reloaded.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Descriptor
	allowed []string
}

type RegistryOption func(*InMemoryRegistry)

// WithAllowed restricts the registry to tools whose names match one of the
// glob patterns. No patterns means every tool is allowed.
func WithAllowed(patterns ...string) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.allowed = append([]string(nil), patterns...)
	}
}

func NewInMemoryRegistry(opts ...RegistryOption) *InMemoryRegistry {
	r := &InMemoryRegistry{tools: map[string]Descriptor{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewRegistry builds a registry pre-populated with descs.
func NewRegistry(descs []Descriptor, opts ...RegistryOption) (*InMemoryRegistry, error) {
	r := NewInMemoryRegistry(opts...)
	if err := r.Replace(descs); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *InMemoryRegistry) isAllowed(name string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	for _, pattern := range r.allowed {
		ok, err := glob.Match(pattern, name)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid tool allowlist pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// Register adds or overwrites a single tool.
func (r *InMemoryRegistry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isAllowed(d.Name) {
		return errors.Errorf("tool %s is not in the allowlist", d.Name)
	}
	r.tools[d.Name] = d.Clone()
	return nil
}

// Replace swaps the registry contents. Either every descriptor is accepted or
// the registry is left untouched.
func (r *InMemoryRegistry) Replace(descs []Descriptor) error {
	next := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := next[d.Name]; dup {
			return errors.Errorf("duplicate tool %s", d.Name)
		}
		next[d.Name] = d.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range next {
		if !r.isAllowed(name) {
			log.Debug().Str("tool", name).Msg("tool filtered by allowlist")
			delete(next, name)
		}
	}
	r.tools = next
	return nil
}

// Lookup returns a copy of the descriptor so callers cannot mutate the registry.
func (r *InMemoryRegistry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.Clone(), true
}

// List returns all descriptors sorted by name.
func (r *InMemoryRegistry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		ret = append(ret, d.Clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Snapshot returns a frozen copy of the current contents. A turn validates all
// of its proposals against one snapshot so a concurrent reload cannot change a
// tool's classification half way through.
func (r *InMemoryRegistry) Snapshot() *InMemoryRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]Descriptor, len(r.tools))
	for k, v := range r.tools {
		cp[k] = v.Clone()
	}
	return &InMemoryRegistry{tools: cp, allowed: append([]string(nil), r.allowed...)}
}
