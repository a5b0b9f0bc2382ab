package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetCache upserts a per-agent cache entry. The agent row must exist.
func (s *Store) SetCache(ctx context.Context, agentID, key, value string) error {
	query := `
		INSERT INTO agent_cache (agent_id, cache_key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, cache_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`
	if s.dialect == DriverMySQL {
		query = `
		INSERT INTO agent_cache (agent_id, cache_key, value, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at);`
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, query, agentID, key, value, nowMillis())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("set cache %q: %w", key, err)
	}
	return nil
}

// GetCache returns the cached value and whether it exists.
func (s *Store) GetCache(ctx context.Context, agentID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM agent_cache WHERE agent_id = ? AND cache_key = ?;
	`, agentID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get cache %q: %w", key, err)
	}
	return value, true, nil
}

// DeleteCache removes a cache entry; a missing entry is not an error.
func (s *Store) DeleteCache(ctx context.Context, agentID, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_cache WHERE agent_id = ? AND cache_key = ?;
	`, agentID, key); err != nil {
		return fmt.Errorf("delete cache %q: %w", key, err)
	}
	return nil
}
