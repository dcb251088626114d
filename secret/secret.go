// Package secret holds the secret material of graph templates. Templates only
// record which secret names are declared; values live behind Store.
package secret

import (
	"context"
	"maps"
	"sync"
)

// Store keeps the secret values of one template, keyed by namespace and
// graph name.
type Store interface {
	// Put replaces every secret value of the template.
	Put(ctx context.Context, namespace, graphName string, values map[string]string) error

	// Get returns the secret values of the template. A template without
	// secrets yields an empty map.
	Get(ctx context.Context, namespace, graphName string) (map[string]string, error)
}

// Presence maps secret names to whether a value is materialized.
func Presence(values map[string]string) map[string]bool {
	out := make(map[string]bool, len(values))
	for k, v := range values {
		out[k] = v != ""
	}
	return out
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]string
}

// NewMemoryStore creates an empty secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]string)}
}

func key(namespace, graphName string) string {
	return namespace + "\x00" + graphName
}

// Put replaces the secret values of a template.
func (m *MemoryStore) Put(_ context.Context, namespace, graphName string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key(namespace, graphName)] = maps.Clone(values)
	return nil
}

// Get returns a copy of the secret values of a template.
func (m *MemoryStore) Get(_ context.Context, namespace, graphName string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := maps.Clone(m.values[key(namespace, graphName)])
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}
