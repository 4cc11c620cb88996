package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Key joins a device and component name into a binding reference such as "mybox/relay".
func Key(device, component string) string {
	return device + "/" + component
}

// Split breaks a binding reference into device and component.
func Split(ref string) (string, string, error) {
	device, component, ok := strings.Cut(ref, "/")
	if !ok || device == "" || component == "" || strings.Contains(component, "/") {
		return "", "", fmt.Errorf("invalid reference %q, want device/component", ref)
	}
	return device, component, nil
}

// Registry maps binding references to live component handles.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]T)}
}

func (r *Registry[T]) Register(ref string, v T) error {
	if _, _, err := Split(ref); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[ref]; exists {
		return fmt.Errorf("%s already registered", ref)
	}
	r.entries[ref] = v
	return nil
}

func (r *Registry[T]) Lookup(ref string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[ref]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s is not registered", ref)
	}
	return v, nil
}

// Keys returns every registered reference in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
