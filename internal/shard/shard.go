// Package shard provides a map split into independently locked shards so
// that requests from unrelated clients never contend on the same mutex.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultShards = 64

type Map[V any] struct {
	shards []*bucket[V]
}

type bucket[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]*bucket[V], n)}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	return v, ok
}

// Update runs fn under the key's shard lock. fn receives the current value
// and whether it exists; returning keep=false deletes the key.
func (m *Map[V]) Update(key string, fn func(cur V, ok bool) (next V, keep bool)) V {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.items[key]
	next, keep := fn(cur, ok)
	if !keep {
		delete(b.items, key)
		return next
	}
	b.items[key] = next
	return next
}

// PutIfAbsent stores v unless key is present. It reports whether v was stored.
func (m *Map[V]) PutIfAbsent(key string, v V) bool {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.items[key]; ok {
		return false
	}
	b.items[key] = v
	return true
}

func (m *Map[V]) Delete(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.items[key]
	delete(b.items, key)
	return v, ok
}

// Range visits every entry one shard at a time. Stops when fn returns false.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.shards {
		b.mu.Lock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.Unlock()
				return
			}
		}
		b.mu.Unlock()
	}
}

// Sweep deletes every entry for which remove returns true and reports how
// many were dropped.
func (m *Map[V]) Sweep(remove func(key string, v V) bool) int {
	n := 0
	for _, b := range m.shards {
		b.mu.Lock()
		for k, v := range b.items {
			if remove(k, v) {
				delete(b.items, k)
				n++
			}
		}
		b.mu.Unlock()
	}
	return n
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.Lock()
		n += len(b.items)
		b.mu.Unlock()
	}
	return n
}
