package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/origincreativegroup/Loom/internal/model"
)

// Registry maps tool names to adapters. It is populated at startup and only
// read afterwards.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byName: map[string]Adapter{}}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	desc := adapter.Descriptor()
	name := normalizeName(desc.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	switch desc.Kind {
	case model.KindLocalProcess, model.KindLocalContainer, model.KindRemoteShell, model.KindRemoteHTTP:
	default:
		return fmt.Errorf("tool %s: unsupported kind %q", name, desc.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.byName[name] = adapter
	return nil
}

func (r *Registry) Resolve(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[normalizeName(name)]
	return a, ok
}

// Descriptors lists every registered tool sorted by name.
func (r *Registry) Descriptors() []model.ToolDescriptor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ToolDescriptor, 0, len(r.byName))
	for _, a := range r.byName {
		desc := a.Descriptor()
		opts := make(map[string]any, len(desc.DefaultOptions))
		for k, v := range desc.DefaultOptions {
			opts[k] = v
		}
		desc.DefaultOptions = opts
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Registry) Names() []string {
	descs := r.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
