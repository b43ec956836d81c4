package postgres

import (
	"context"
	"fmt"

	"github.com/stillpoint/progression/internal/domain/progression"
)

// KVRepository is a progression.KeyValueStore over the progression_kv table.
// Every Set is an upsert; last write wins.
type KVRepository struct {
	db Querier
}

// NewKVRepository creates a KVRepository.
func NewKVRepository(db Querier) *KVRepository {
	return &KVRepository{db: db}
}

var _ progression.KeyValueStore = (*KVRepository)(nil)

// Get implements progression.KeyValueStore.
func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.db.QueryRow(ctx, `SELECT value FROM progression_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements progression.KeyValueStore.
func (r *KVRepository) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO progression_kv (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

// Remove implements progression.KeyValueStore.
func (r *KVRepository) Remove(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM progression_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: remove %s: %w", key, err)
	}
	return nil
}
