// Package com contains concurrency-safe containers shared across sessions.
package com

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("not found")

// Map defines a concurrent-safe keyed store.
// Each entry has exactly one owning component; the map itself only
// guards insert/remove/lookup, never entry state.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.Mutex
}

func NewMap[K comparable, V any]() *Map[K, V] { return &Map[K, V]{m: make(map[K]V)} }

func (m *Map[K, _]) Has(key K) bool { _, err := m.Find(key); return err == nil }

func (m *Map[_, _]) Len() int { m.mu.Lock(); defer m.mu.Unlock(); return len(m.m) }

func (m *Map[K, V]) Put(key K, v V) { m.mu.Lock(); m.m[key] = v; m.mu.Unlock() }

func (m *Map[K, _]) Remove(key K) { m.mu.Lock(); delete(m.m, key); m.mu.Unlock() }

// Find searches for a match by the specified key value,
// returns ErrNotFound otherwise.
func (m *Map[K, V]) Find(key K) (v V, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x, ok := m.m[key]; ok {
		return x, nil
	}
	return v, ErrNotFound
}

// Pop removes the entry and returns it, so the caller is the only
// holder of the value after the call. The second result tells if
// the entry was there.
func (m *Map[K, V]) Pop(key K) (v V, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok = m.m[key]
	if ok {
		delete(m.m, key)
	}
	return
}

// ForEach processes every element with the provided callback function.
func (m *Map[K, V]) ForEach(fn func(key K, v V)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		fn(k, v)
	}
}
