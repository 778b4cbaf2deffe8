package openfinance

import (
	"fmt"
	"sort"
)

// Registry resolves provider adapters by key. It is built once at startup
// from the enabled providers and is read-only afterwards.
type Registry struct {
	adapters map[ProviderKey]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[ProviderKey]Adapter, len(adapters))}
	for _, a := range adapters {
		key := a.Key()
		if key == "" {
			return nil, fmt.Errorf("%w: adapter %T has an empty provider key", ErrConfiguration, a)
		}
		if _, dup := r.adapters[key]; dup {
			return nil, fmt.Errorf("%w: provider %q registered twice", ErrConfiguration, key)
		}
		r.adapters[key] = a
	}
	return r, nil
}

// Get returns the adapter for key or ErrProviderDisabled.
func (r *Registry) Get(key ProviderKey) (Adapter, error) {
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderDisabled, key)
	}
	return a, nil
}

// Keys lists the enabled providers in a stable order.
func (r *Registry) Keys() []ProviderKey {
	keys := make([]ProviderKey, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
