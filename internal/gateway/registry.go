package gateway

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// Registry maps gateway ids to adapters. It is built once at startup and is
// read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := r.adapters[a.ID()]; dup {
			return nil, fmt.Errorf("duplicate gateway adapter %q", a.ID())
		}
		r.adapters[a.ID()] = a
	}
	return r, nil
}

// Get returns the adapter for id or ErrGatewayNotSupported.
func (r *Registry) Get(id string) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[id]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrGatewayNotSupported, id)
}

// IDs returns the registered gateway ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := lo.Keys(r.adapters)
	sort.Strings(ids)
	return ids
}
