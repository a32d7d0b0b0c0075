package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// TTLMap is a concurrency-safe map whose entries carry an optional expiry.
// A zero expiry means the entry never expires.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}}
}

func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
		return zero, false
	}
	return it.Value, true
}

func (m *TTLMap[K, V]) SetWithTTL(key K, value V, now time.Time, ttl time.Duration) {
	if m == nil {
		return
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item[V]{Value: value, ExpiresAt: exp}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// PruneExpired drops every entry whose expiry has passed and reports how
// many were removed.
func (m *TTLMap[K, V]) PruneExpired(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// CounterMap holds expiring int64 counters. Increment is atomic with
// respect to concurrent callers for the same key.
type CounterMap[K comparable] struct {
	mu    sync.Mutex
	items map[K]item[int64]
}

func NewCounterMap[K comparable]() *CounterMap[K] {
	return &CounterMap[K]{items: map[K]item[int64]{}}
}

// Increment adds one to the counter for key and returns the new value.
// A fresh counter gets expiry now+ttl; the expiry of a live counter is
// never extended.
func (m *CounterMap[K]) Increment(key K, now time.Time, ttl time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || (!it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)) {
		exp := time.Time{}
		if ttl > 0 {
			exp = now.Add(ttl)
		}
		m.items[key] = item[int64]{Value: 1, ExpiresAt: exp}
		return 1
	}
	it.Value++
	m.items[key] = it
	return it.Value
}

func (m *CounterMap[K]) PruneExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}
