// Package reactive provides a keyed in-memory store that notifies
// registered listeners on every mutation.
package reactive

import (
	"sync"
)

// Listener receives the state after a mutation together with the state
// before it. key names the single changed entry; it is empty when the
// whole map was replaced. Listeners run synchronously in mutation order
// and must not mutate the store that invoked them.
type Listener[V any] func(state, prev map[string]V, key string)

// Store is a mapping from string keys to values of type V. All accessors
// return copies, so callers never observe concurrent mutation.
type Store[V any] struct {
	mu        sync.RWMutex
	state     map[string]V
	listeners map[int]Listener[V]
	nextID    int

	// dispatchMu serializes listener dispatch so that listeners observe
	// mutations in the order they were applied.
	dispatchMu sync.Mutex
}

// New creates a store seeded with the given initial state. A nil initial
// map yields an empty store.
func New[V any](initial map[string]V) *Store[V] {
	state := make(map[string]V, len(initial))
	for k, v := range initial {
		state[k] = v
	}
	return &Store[V]{
		state:     state,
		listeners: make(map[int]Listener[V]),
	}
}

// Get returns a copy of the full mapping.
func (s *Store[V]) Get() map[string]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.state)
}

// GetKey returns the value for key, reporting whether it exists.
func (s *Store[V]) GetKey(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

// Len returns the number of entries.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}

// SetKey sets key to value and notifies listeners.
func (s *Store[V]) SetKey(key string, value V) {
	s.mu.Lock()
	prev := copyMap(s.state)
	s.state[key] = value
	state := copyMap(s.state)
	s.notifyLocked(state, prev, key)
}

// DeleteKey removes key and notifies listeners. Removing an absent key
// still dispatches, mirroring a set of an absent value.
func (s *Store[V]) DeleteKey(key string) {
	s.mu.Lock()
	prev := copyMap(s.state)
	delete(s.state, key)
	state := copyMap(s.state)
	s.notifyLocked(state, prev, key)
}

// ReplaceAll swaps the entire mapping and notifies listeners with an
// empty changed key.
func (s *Store[V]) ReplaceAll(next map[string]V) {
	s.mu.Lock()
	prev := copyMap(s.state)
	s.state = copyMap(next)
	state := copyMap(s.state)
	s.notifyLocked(state, prev, "")
}

// Subscribe registers a listener and returns a function that removes it.
// The returned function is safe to call more than once.
func (s *Store[V]) Subscribe(fn Listener[V]) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// ListenerCount returns the number of registered listeners.
func (s *Store[V]) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// notifyLocked is called with s.mu held. It snapshots the listener set,
// acquires the dispatch lock before releasing s.mu so notifications keep
// mutation order, then runs the listeners without holding s.mu.
func (s *Store[V]) notifyLocked(state, prev map[string]V, key string) {
	listeners := make([]Listener[V], 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()

	for _, fn := range listeners {
		fn(state, prev, key)
	}
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
