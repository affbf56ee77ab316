package safe

import (
	"sort"
	"sync"
)

// Map is a concurrency & type safe map
type Map[T any] struct {
	mu   sync.RWMutex
	data map[string]T
}

func NewMap[T any](data map[string]T) *Map[T] {
	if data == nil {
		data = map[string]T{}
	}
	return &Map[T]{
		data: data,
	}
}

// Get returns the value stored under key and whether it exists
func (m *Map[T]) Get(key string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	return value, ok
}

func (m *Map[T]) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *Map[T]) Set(key string, value T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]T{}
	}
	m.data[key] = value
}

// SetNX sets the key value pair only if the key is absent. It returns false if the key already existed.
func (m *Map[T]) SetNX(key string, value T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]T{}
	}
	if _, ok := m.data[key]; ok {
		return false
	}
	m.data[key] = value
	return true
}

// Del deletes the key and returns the removed value if it existed
func (m *Map[T]) Del(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	delete(m.data, key)
	return value, ok
}

// Keys returns the keys in sorted order
func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
