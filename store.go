package graft

import (
	"slices"
	"sync"
)

// Store is the shared mutable state namespace of a composed application
// tree. Mounting unifies child stores into the mount root's instance, so
// every route of the tree observes the same values.
//
// The map itself is safe for concurrent use; compound read-modify-write
// sequences remain the caller's responsibility.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]

	return value, ok
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}

// SetIfAbsent stores value under key only when the key is not present and
// reports whether it stored. Mount namespace unions use this so the parent's
// definition wins on collision.
func (s *Store) SetIfAbsent(key string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.values[key]; exists {
		return false
	}

	s.values[key] = value

	return true
}

// Delete removes the value stored under key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}

// Len returns the number of stored values.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.values)
}
