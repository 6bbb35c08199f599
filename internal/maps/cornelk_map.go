package maps

import "github.com/cornelk/hashmap"

// CornelkMap adapts cornelk/hashmap to ConcurrentMap.
type CornelkMap[K Integer, V any] struct {
	m *hashmap.Map[K, V]
}

// NewCornelkMap creates a new CornelkMap.
func NewCornelkMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (m *CornelkMap[K, V]) Load(key K) (V, bool) { return m.m.Get(key) }
func (m *CornelkMap[K, V]) Store(key K, value V) { m.m.Set(key, value) }
func (m *CornelkMap[K, V]) Delete(key K)         { m.m.Del(key) }

// Clear has no native counterpart in hashmap; keys are collected first so
// deletion does not race the iterator.
func (m *CornelkMap[K, V]) Clear() {
	var keys []K
	m.m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		m.m.Del(k)
	}
}
