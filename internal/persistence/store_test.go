package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/agenthost/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agenthost.db")
	store, err := persistence.Open(persistence.Config{Driver: persistence.DriverSQLite, DSN: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}
	for _, table := range []string{"agents", "task_definitions", "agent_cache", "audit_log", "schema_migrations"} {
		name := queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='table' AND name='"+table+"';")
		if name != table {
			t.Fatalf("missing table %s", table)
		}
	}
	if store.Dialect() != persistence.DriverSQLite {
		t.Fatalf("unexpected dialect %q", store.Dialect())
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	_ = store.Close()

	again, err := persistence.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	var n int
	if err := again.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 migration row, got %d", n)
	}
}

func TestStore_OpenRejectsUnknownDriver(t *testing.T) {
	if _, err := persistence.Open(persistence.Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestStore_CreateAgentIsCreateIfMissing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateAgent(ctx, persistence.AgentRecord{
		ID:              "a-1",
		Name:            "Eli5",
		CharacterConfig: map[string]any{"name": "Eli5", "bio": "first"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.CreateAgent(ctx, persistence.AgentRecord{
		ID:              "a-1",
		Name:            "Eli5",
		CharacterConfig: map[string]any{"name": "Eli5", "bio": "second"},
	})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if second.CharacterConfig["bio"] != "first" {
		t.Fatalf("existing record must win, got bio=%v", second.CharacterConfig["bio"])
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("createdAt changed: %d -> %d", first.CreatedAt, second.CreatedAt)
	}

	all, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(all))
	}
}

func TestStore_GetAgentMissingReturnsNil(t *testing.T) {
	store, _ := openTestStore(t)
	rec, err := store.GetAgent(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestStore_UpdateAgent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateAgent(ctx, persistence.AgentRecord{ID: "a-1", Name: "one", CharacterConfig: map[string]any{"name": "one"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := store.UpdateAgent(ctx, "a-1", "uno", map[string]any{"name": "uno", "x": float64(1)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Name != "uno" || rec.CharacterConfig["x"] != float64(1) {
		t.Fatalf("unexpected record after update: %+v", rec)
	}

	_, err = store.UpdateAgent(ctx, "missing", "x", map[string]any{})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteAgentCascadesOwnedRows(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateAgent(ctx, persistence.AgentRecord{ID: "a-1", Name: "one", CharacterConfig: map[string]any{}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetCache(ctx, "a-1", "heartbeat", "123"); err != nil {
		t.Fatalf("set cache: %v", err)
	}
	if err := store.CreateTaskDefinition(ctx, persistence.TaskDefinition{
		ID: "t-1", Name: "HEARTBEAT", WorldID: "a-1", Tags: []string{"queue"},
		Metadata: persistence.TaskMetadata{CreatedAt: 1, UpdatedAt: 1},
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := store.DeleteAgent(ctx, "a-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.GetCache(ctx, "a-1", "heartbeat"); ok {
		t.Fatal("cache row survived agent delete")
	}
	if task, _ := store.GetTaskDefinition(ctx, "t-1"); task != nil {
		t.Fatal("task survived agent delete")
	}
	if err := store.DeleteAgent(ctx, "a-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStore_CacheRequiresAgent(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.SetCache(context.Background(), "ghost", "k", "v")
	if !persistence.IsForeignKeyViolation(err) {
		t.Fatalf("expected foreign key violation, got %v", err)
	}
}

func TestStore_CacheUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.CreateAgent(ctx, persistence.AgentRecord{ID: "a-1", Name: "one", CharacterConfig: map[string]any{}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, v := range []string{"v1", "v2"} {
		if err := store.SetCache(ctx, "a-1", "k", v); err != nil {
			t.Fatalf("set cache: %v", err)
		}
	}
	got, ok, err := store.GetCache(ctx, "a-1", "k")
	if err != nil || !ok || got != "v2" {
		t.Fatalf("get cache: %q %v %v", got, ok, err)
	}
	if err := store.DeleteCache(ctx, "a-1", "k"); err != nil {
		t.Fatalf("delete cache: %v", err)
	}
	if _, ok, _ := store.GetCache(ctx, "a-1", "k"); ok {
		t.Fatal("cache entry survived delete")
	}
}

func TestStore_TaskDefinitionsFilterAndRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	tasks := []persistence.TaskDefinition{
		{ID: "t-1", Name: "HEARTBEAT", WorldID: "w1", Tags: []string{"queue", "repeat"},
			Metadata: persistence.TaskMetadata{CreatedAt: 1, UpdatedAt: 1, UpdateInterval: 60000}},
		{ID: "t-2", Name: "POLL_FEED", WorldID: "w1", Tags: []string{"queue"},
			Metadata: persistence.TaskMetadata{CreatedAt: 2, UpdatedAt: 2, Payload: map[string]any{"url": "http://x"}}},
		{ID: "t-3", Name: "HEARTBEAT", WorldID: "w2", Tags: []string{"queue", "repeat"},
			Metadata: persistence.TaskMetadata{CreatedAt: 3, UpdatedAt: 3, UpdateInterval: 60000}},
	}
	for _, task := range tasks {
		if err := store.CreateTaskDefinition(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	if err := store.CreateTaskDefinition(ctx, tasks[0]); !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	repeat, err := store.ListTaskDefinitions(ctx, persistence.TaskFilter{Tags: []string{"queue", "repeat"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(repeat) != 2 || repeat[0].ID != "t-1" || repeat[1].ID != "t-3" {
		t.Fatalf("unexpected repeat tasks: %+v", repeat)
	}
	w1, err := store.ListTaskDefinitions(ctx, persistence.TaskFilter{WorldID: "w1"})
	if err != nil {
		t.Fatalf("list w1: %v", err)
	}
	if len(w1) != 2 {
		t.Fatalf("expected 2 tasks in w1, got %d", len(w1))
	}
	poll, _ := store.GetTaskDefinition(ctx, "t-2")
	if poll == nil || poll.Metadata.Payload["url"] != "http://x" {
		t.Fatalf("payload not round-tripped: %+v", poll)
	}

	if err := store.MarkTaskRun(ctx, "t-1", 99); err != nil {
		t.Fatalf("mark run: %v", err)
	}
	got, _ := store.GetTaskDefinition(ctx, "t-1")
	if got.Metadata.UpdatedAt != 99 || got.Metadata.LastRunAt != 99 {
		t.Fatalf("unexpected metadata after run: %+v", got.Metadata)
	}
	if err := store.MarkTaskRun(ctx, "missing", 1); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkTaskAttempt(ctx, "t-1", 150); err != nil {
		t.Fatalf("mark attempt: %v", err)
	}
	got, _ = store.GetTaskDefinition(ctx, "t-1")
	if got.Metadata.UpdatedAt != 150 || got.Metadata.LastRunAt != 99 {
		t.Fatalf("attempt must move updated_at only: %+v", got.Metadata)
	}
	if err := store.MarkTaskAttempt(ctx, "missing", 1); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := store.DeleteTaskDefinitions(ctx, persistence.TaskFilter{Name: "HEARTBEAT", WorldID: "w1"})
	if err != nil || n != 1 {
		t.Fatalf("delete by filter: n=%d err=%v", n, err)
	}
	if _, err := store.DeleteTaskDefinitions(ctx, persistence.TaskFilter{}); err == nil {
		t.Fatal("expected empty filter to be rejected")
	}
	if err := store.DeleteTaskDefinition(ctx, "t-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	store, _ := openTestStore(t)
	_ = store.Close()
	_, err := store.GetAgent(context.Background(), "x")
	if !persistence.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
