// Package registry stores the named objects of a runtime and drives their
// lifecycle in a fixed order of object kinds.
package registry

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
)

// Entry is a registered object.
type Entry struct {
	Key   string
	Value any
}

// Registry is a named store of objects.
type Registry interface {
	Name() string
	Get(key string) (any, bool)
	RegisterObject(key string, value any) error
	Unregister(key string) (any, bool)
	// LookupByType returns the values assignable to t in registration order.
	LookupByType(t reflect.Type) []any
	// Entries returns all entries in registration order.
	Entries() []Entry
}

// TransientRegistry is an in-memory Registry.
type TransientRegistry struct {
	name string

	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

var _ Registry = (*TransientRegistry)(nil)

func NewTransientRegistry(name string) *TransientRegistry {
	return &TransientRegistry{name: name, index: make(map[string]int)}
}

func (r *TransientRegistry) Name() string { return r.name }

func (r *TransientRegistry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.entries[i].Value, true
}

// RegisterObject adds value under key. Keys are unique per registry.
func (r *TransientRegistry) RegisterObject(key string, value any) error {
	if key == "" {
		return errspkg.ErrNameRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[key]; ok {
		return fmt.Errorf("%w: %q in registry %s", errspkg.ErrDuplicateName, key, r.name)
	}
	r.index[key] = len(r.entries)
	r.entries = append(r.entries, Entry{Key: key, Value: value})
	return nil
}

func (r *TransientRegistry) Unregister(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	value := r.entries[i].Value
	r.entries = slices.Delete(r.entries, i, i+1)
	delete(r.index, key)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].Key] = j
	}
	return value, true
}

func (r *TransientRegistry) LookupByType(t reflect.Type) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []any
	for _, e := range r.entries {
		if matches(e.Value, t) {
			out = append(out, e.Value)
		}
	}
	return out
}

func (r *TransientRegistry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// KindOf returns the kind used to match values of type T. Interface kinds
// match every implementation.
func KindOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

func matches(value any, t reflect.Type) bool {
	if value == nil || t == nil {
		return false
	}
	return reflect.TypeOf(value).AssignableTo(t)
}
