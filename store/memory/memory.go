// Package memory provides an in-process store.Store backed by go-cache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/estcore/railid-connect/store"
)

// DefaultCleanupInterval is how often expired entries are swept from memory.
const DefaultCleanupInterval = 10 * time.Minute

// Store is an in-memory store.Store.  Expired entries are never returned and
// are swept periodically by go-cache's janitor.
type Store struct {
	c *cache.Cache

	// mu orders writes against Take, since go-cache has no get-and-delete.
	mu sync.Mutex
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Taker = (*Store)(nil)
)

// New creates a Store.  A cleanupInterval <= 0 uses DefaultCleanupInterval.
func New(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Store{
		c: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

// Put implements store.Store.
func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	const op = "memory.(Store).Put"
	if err := store.ValidatePut(key, ttl); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Set(key, clone(value), ttl)
	return nil
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return clone(v.([]byte)), true, nil
}

// Take implements store.Taker.  Concurrent Takes of a key return its value
// at most once.
func (s *Store) Take(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	s.c.Delete(key)
	return clone(v.([]byte)), true, nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Delete(key)
	return nil
}

// Len returns the number of entries held, including expired entries which
// haven't been swept yet.
func (s *Store) Len() int {
	return s.c.ItemCount()
}

// Sweep removes all expired entries now.
func (s *Store) Sweep() {
	s.c.DeleteExpired()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
