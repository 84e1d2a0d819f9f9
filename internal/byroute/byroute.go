// Package byroute holds per-key runtime objects, such as the per-service
// policy backend clients, behind a read-mostly lock.
package byroute

import (
	"sort"
	"sync"
)

// Manager is a generic thread-safe keyed object store.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item under key, replacing any previous one.
func (m *Manager[T]) Add(key string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[key] = item
	m.mu.Unlock()
}

// Get retrieves the item stored under key.
func (m *Manager[T]) Get(key string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	return v, ok
}

// Delete removes key and returns the item that was stored.
func (m *Manager[T]) Delete(key string) (_ T, ok bool) {
	m.mu.Lock()
	v, ok := m.items[key]
	delete(m.items, key)
	m.mu.Unlock()
	return v, ok
}

// Keys returns all keys in sorted order.
func (m *Manager[T]) Keys() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Range iterates over all items. Return false from fn to stop early.
// fn must not call back into m.
func (m *Manager[T]) Range(fn func(key string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if !fn(id, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// CollectStats maps every item through fn.
func CollectStats[T any, S any](m *Manager[T], fn func(T) S) map[string]S {
	out := make(map[string]S, m.Len())
	m.Range(func(key string, item T) bool {
		out[key] = fn(item)
		return true
	})
	return out
}
