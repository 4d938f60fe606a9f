// Package store holds keyed client state and notifies watchers once per commit.
//
// Every Update runs the mutation and publishes the resulting value as a single
// notification, so a watcher never observes an intermediate state.
package store

import (
	"sort"
	"sync"
)

// Watcher receives the committed value for key. deleted is true when the key was removed.
type Watcher[K comparable, V any] func(key K, value V, deleted bool)

// Store is a concurrency-safe map with change notification.
type Store[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V

	watchMu  sync.RWMutex
	watchers map[uint64]Watcher[K, V]
	nextID   uint64

	// notifyMu serializes notifications so watchers see commits in commit order.
	notifyMu sync.Mutex
}

// New creates an empty store.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{
		items:    make(map[K]V),
		watchers: make(map[uint64]Watcher[K, V]),
	}
}

// Get returns the value for key.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Len returns the number of keys.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Set stores value and notifies watchers.
func (s *Store[K, V]) Set(key K, value V) {
	s.Update(key, func(V, bool) (V, bool) { return value, true })
}

// Update applies fn to the current value under the write lock. fn returns the new value
// and whether it changed; unchanged results are neither stored nor published.
func (s *Store[K, V]) Update(key K, fn func(current V, exists bool) (V, bool)) (V, bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	current, exists := s.items[key]
	next, changed := fn(current, exists)
	if changed {
		s.items[key] = next
	}
	s.mu.Unlock()

	if changed {
		s.publish(key, next, false)
		return next, true
	}
	return current, false
}

// Delete removes key and notifies watchers if it existed.
func (s *Store[K, V]) Delete(key K) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	v, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()

	if ok {
		s.publish(key, v, true)
	}
	return ok
}

// Clear removes every key, notifying watchers for each.
func (s *Store[K, V]) Clear() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	old := s.items
	s.items = make(map[K]V)
	s.mu.Unlock()

	for k, v := range old {
		s.publish(k, v, true)
	}
}

// Keys returns the keys in unspecified order.
func (s *Store[K, V]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]K, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// Watch registers w and returns the function that removes it.
// Watchers run synchronously after each commit and must not modify the store.
func (s *Store[K, V]) Watch(w Watcher[K, V]) func() {
	s.watchMu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = w
	s.watchMu.Unlock()

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

func (s *Store[K, V]) publish(key K, value V, deleted bool) {
	s.watchMu.RLock()
	ids := make([]uint64, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ws := make([]Watcher[K, V], 0, len(ids))
	for _, id := range ids {
		ws = append(ws, s.watchers[id])
	}
	s.watchMu.RUnlock()

	for _, w := range ws {
		w(key, value, deleted)
	}
}
