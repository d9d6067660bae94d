// Package memstore provides an in-memory platform.DurableStore, used in tests and when no local store path is configured.
package memstore

import (
	"context"
	"sync"

	"intelligence-substrate/core/internal/platform"
)

// Store is an in-memory DurableStore. Values are copied on the way in and out so callers cannot alias stored bytes.
type Store struct {
	mu sync.RWMutex
	m  map[string][]byte
	// failPut, when set, is returned from Put. Lets tests simulate a full or broken store.
	failPut error
}

var _ platform.DurableStore = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{m: make(map[string][]byte)}
}

// Get returns a copy of the value for key, or platform.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, platform.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.m[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// FailPuts makes every subsequent Put return err (nil restores normal behavior).
func (s *Store) FailPuts(err error) {
	s.mu.Lock()
	s.failPut = err
	s.mu.Unlock()
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
