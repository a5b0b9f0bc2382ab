package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AgentRecord is a row of the agents table. CharacterConfig holds the
// caller's configuration object as stored (secrets already sealed).
type AgentRecord struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	CharacterConfig map[string]any `json:"characterConfig"`
	CreatedAt       int64          `json:"createdAt"`
	UpdatedAt       int64          `json:"updatedAt"`
}

// CreateAgent inserts rec when no row with rec.ID exists and returns the
// stored record either way.
func (s *Store) CreateAgent(ctx context.Context, rec AgentRecord) (*AgentRecord, error) {
	raw, err := json.Marshal(rec.CharacterConfig)
	if err != nil {
		return nil, fmt.Errorf("create agent: encode config: %w", err)
	}
	now := nowMillis()
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, character_config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?);
		`, rec.ID, rec.Name, string(raw), now, now)
		return execErr
	})
	if err != nil && !IsDuplicate(err) {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	stored, err := s.GetAgent(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// Deleted between insert and read.
		return nil, fmt.Errorf("create agent %q: %w", rec.ID, ErrNotFound)
	}
	return stored, nil
}

// GetAgent returns the agent record for the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	var (
		rec AgentRecord
		raw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, character_config, created_at, updated_at
		FROM agents WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Name, &raw, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.CharacterConfig); err != nil {
		return nil, fmt.Errorf("get agent: decode config: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agent records ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, character_config, created_at, updated_at
		FROM agents ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		var (
			rec AgentRecord
			raw string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &raw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.CharacterConfig); err != nil {
			return nil, fmt.Errorf("scan agent %q: decode config: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// UpdateAgent replaces name and character config of an existing agent.
func (s *Store) UpdateAgent(ctx context.Context, id, name string, cfg map[string]any) (*AgentRecord, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("update agent: encode config: %w", err)
	}
	var n int64
	err = retryOnBusy(ctx, busyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE agents SET name = ?, character_config = ?, updated_at = ? WHERE id = ?;
		`, name, string(raw), nowMillis(), id)
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if n == 0 {
		// MySQL reports 0 affected rows for an unchanged row; confirm absence.
		rec, getErr := s.GetAgent(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if rec == nil {
			return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
		}
		return rec, nil
	}
	rec, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return rec, nil
}

// DeleteAgent removes an agent together with its cache rows and task
// definitions in a single transaction.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete agent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_cache WHERE agent_id = ?;`, id); err != nil {
		return fmt.Errorf("delete agent cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_definitions WHERE world_id = ?;`, id); err != nil {
		return fmt.Errorf("delete agent tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("delete agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete agent: commit: %w", err)
	}
	return nil
}
