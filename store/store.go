// Package store defines the key-value storage used to keep short lived
// authorization state between the redirect to a provider and its callback.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Store is a key-value store with per-key expiration.  Single key operations
// must be atomic and implementations must be concurrently safe.
type Store interface {
	// Put stores value under key.  The entry expires after ttl, which must be
	// greater than zero.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key.  The bool is false when no
	// unexpired entry exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Taker is implemented by stores which can read and delete a key in one
// atomic operation.
type Taker interface {
	// Take returns the value stored under key and removes it.  The bool is
	// false when no unexpired entry exists.
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

// ValidatePut checks the parameters of a Store.Put call.
func ValidatePut(key string, ttl time.Duration) error {
	if key == "" {
		return errors.Join(ErrInvalidParameter, errors.New("key is empty"))
	}
	if ttl <= 0 {
		return errors.Join(ErrInvalidParameter, errors.New("ttl must be greater than zero"))
	}
	return nil
}
