// Package valkey provides a store.Store backed by a Valkey (or Redis) server,
// which lets several relying-party instances share authorization state.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/estcore/railid-connect/store"
)

// DefaultPrefix is prepended to every key.
const DefaultPrefix = "railid-connect"

// Store is a store.Store using Valkey's native key expiration.
type Store struct {
	client valkey.Client
	prefix string
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Taker = (*Store)(nil)
)

// New creates a Store using client.  An empty prefix uses DefaultPrefix.
func New(client valkey.Client, prefix string) (*Store, error) {
	const op = "valkey.New"
	if client == nil {
		return nil, fmt.Errorf("%s: client is nil: %w", op, store.ErrInvalidParameter)
	}
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
	}, nil
}

// Dial connects to the Valkey servers at addrs and returns a Store using the
// connection.  Close the returned client when done.
func Dial(addrs []string, prefix string) (*Store, valkey.Client, error) {
	const op = "valkey.Dial"
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: addrs})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: connecting to valkey: %w", op, err)
	}
	s, err := New(client, prefix)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, client, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const op = "valkey.(Store).Put"
	if err := store.ValidatePut(key, ttl); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	cmd := s.client.B().Set().Key(s.key(key)).Value(valkey.BinaryString(value)).PxMilliseconds(ms).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%s: executing set command: %w", op, err)
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	const op = "valkey.(Store).Get"
	b, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).AsBytes()
	switch {
	case valkey.IsValkeyNil(err):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("%s: executing get command: %w", op, err)
	}
	return b, true, nil
}

// Take implements store.Taker with GETDEL.
func (s *Store) Take(ctx context.Context, key string) ([]byte, bool, error) {
	const op = "valkey.(Store).Take"
	b, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.key(key)).Build()).AsBytes()
	switch {
	case valkey.IsValkeyNil(err):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("%s: executing getdel command: %w", op, err)
	}
	return b, true, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	const op = "valkey.(Store).Delete"
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("%s: executing del command: %w", op, err)
	}
	return nil
}

func (s *Store) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}
