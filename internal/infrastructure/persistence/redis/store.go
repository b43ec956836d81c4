package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/stillpoint/progression/internal/domain/progression"
)

// Store is a progression.KeyValueStore over plain Redis strings. Keys never
// expire.
type Store struct {
	cmd    Commander
	prefix string
}

// NewStore creates a Store. prefix namespaces every key, e.g. "stillpoint:".
func NewStore(cmd Commander, prefix string) *Store {
	return &Store{cmd: cmd, prefix: prefix}
}

var _ progression.KeyValueStore = (*Store)(nil)

// Key returns the namespaced Redis key.
func (s *Store) Key(key string) string {
	return s.prefix + key
}

// Get implements progression.KeyValueStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrKeyEmpty
	}

	data, err := s.cmd.Get(ctx, s.Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set implements progression.KeyValueStore.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrKeyEmpty
	}
	return s.cmd.Set(ctx, s.Key(key), value, 0).Err()
}

// Remove implements progression.KeyValueStore.
func (s *Store) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	return s.cmd.Del(ctx, s.Key(key)).Err()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.cmd.Ping(ctx).Err()
}
