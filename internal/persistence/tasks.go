package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Well-known task tags.
const (
	TagQueue     = "queue"
	TagRepeat    = "repeat"
	TagImmediate = "immediate"
)

// TaskMetadata carries the scheduler bookkeeping. All times are unix milliseconds.
type TaskMetadata struct {
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
	UpdateInterval int64          `json:"updateInterval,omitempty"`
	LastRunAt      int64          `json:"lastRunAt,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// TaskDefinition is a durable, tag-addressed unit of queued work.
type TaskDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	WorldID     string       `json:"worldId"`
	Tags        []string     `json:"tags"`
	Metadata    TaskMetadata `json:"metadata"`
}

// HasTag reports whether the task carries tag.
func (t TaskDefinition) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// TaskFilter narrows ListTaskDefinitions. Zero fields match everything;
// Tags requires every listed tag to be present.
type TaskFilter struct {
	Name    string
	WorldID string
	Tags    []string
}

func (f TaskFilter) match(t TaskDefinition) bool {
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	return true
}

// CreateTaskDefinition inserts a new task definition. The caller assigns ID
// and metadata timestamps.
func (s *Store) CreateTaskDefinition(ctx context.Context, t TaskDefinition) error {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("create task definition: encode tags: %w", err)
	}
	payload, err := json.Marshal(t.Metadata.Payload)
	if err != nil {
		return fmt.Errorf("create task definition: encode payload: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO task_definitions (id, name, description, world_id, tags, payload,
				update_interval, created_at, updated_at, last_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Name, t.Description, t.WorldID, string(tags), string(payload),
			t.Metadata.UpdateInterval, t.Metadata.CreatedAt, t.Metadata.UpdatedAt, t.Metadata.LastRunAt)
		return execErr
	})
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("task definition %q: %w", t.ID, ErrDuplicate)
		}
		return fmt.Errorf("create task definition: %w", err)
	}
	return nil
}

const taskColumns = `id, name, description, world_id, tags, payload, update_interval, created_at, updated_at, last_run_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskDefinition, error) {
	var (
		t             TaskDefinition
		tags, payload string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.WorldID, &tags, &payload,
		&t.Metadata.UpdateInterval, &t.Metadata.CreatedAt, &t.Metadata.UpdatedAt, &t.Metadata.LastRunAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return t, fmt.Errorf("decode tags for task %q: %w", t.ID, err)
	}
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &t.Metadata.Payload); err != nil {
			return t, fmt.Errorf("decode payload for task %q: %w", t.ID, err)
		}
	}
	return t, nil
}

// GetTaskDefinition returns the task with id, or nil if not found.
func (s *Store) GetTaskDefinition(ctx context.Context, id string) (*TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_definitions WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task definition: %w", err)
	}
	return &t, nil
}

// ListTaskDefinitions returns tasks matching f ordered by creation time.
func (s *Store) ListTaskDefinitions(ctx context.Context, f TaskFilter) ([]TaskDefinition, error) {
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.WorldID != "" {
		where = append(where, "world_id = ?")
		args = append(args, f.WorldID)
	}
	query := `SELECT ` + taskColumns + ` FROM task_definitions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task definitions: %w", err)
	}
	defer rows.Close()
	var out []TaskDefinition
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task definition: %w", err)
		}
		if f.match(t) {
			out = append(out, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task definitions: iterate: %w", err)
	}
	return out, nil
}

// DeleteTaskDefinition removes one task definition.
func (s *Store) DeleteTaskDefinition(ctx context.Context, id string) error {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM task_definitions WHERE id = ?;`, id)
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete task definition: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task definition %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteTaskDefinitions removes every task matching f and returns how many
// rows went away. An empty filter is rejected.
func (s *Store) DeleteTaskDefinitions(ctx context.Context, f TaskFilter) (int, error) {
	if f.Name == "" && f.WorldID == "" && len(f.Tags) == 0 {
		return 0, fmt.Errorf("delete task definitions: empty filter")
	}
	matches, err := s.ListTaskDefinitions(ctx, f)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, t := range matches {
		if err := s.DeleteTaskDefinition(ctx, t.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// MarkTaskRun stamps a successful run: updated_at and last_run_at both become at.
func (s *Store) MarkTaskRun(ctx context.Context, id string, at int64) error {
	return s.stampTask(ctx, "mark task run", `
		UPDATE task_definitions SET updated_at = ?, last_run_at = ? WHERE id = ?;
	`, id, at, at, id)
}

// MarkTaskAttempt stamps a failed run. Only updated_at moves, so the task
// waits a full interval before its next attempt and last_run_at keeps
// meaning "last success".
func (s *Store) MarkTaskAttempt(ctx context.Context, id string, at int64) error {
	return s.stampTask(ctx, "mark task attempt", `
		UPDATE task_definitions SET updated_at = ? WHERE id = ?;
	`, id, at, id)
}

func (s *Store) stampTask(ctx context.Context, op, query, id string, args ...any) error {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, execErr := s.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("task definition %q: %w", id, ErrNotFound)
	}
	return nil
}
