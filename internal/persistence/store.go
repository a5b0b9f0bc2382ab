package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ah-v1-agents-tasks-cache-audit"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Supported SQL dialects.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

var (
	// ErrNotFound is returned (wrapped) when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned (wrapped) when an insert hits a unique key.
	ErrDuplicate = errors.New("duplicate key")
)

// Config selects the SQL backend.
type Config struct {
	Driver string // sqlite3 (default) or mysql
	DSN    string // file path for sqlite3, go-sql-driver DSN for mysql
}

type Store struct {
	db      *sql.DB
	dialect string
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agenthost", "agenthost.db")
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg Config) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite, "sqlite":
		return OpenSQLite(cfg.DSN)
	case DriverMySQL:
		return OpenMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q (supported: sqlite3, mysql)", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, dialect: DriverSQLite}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenMySQL connects with a go-sql-driver DSN such as
// "user:pass@tcp(127.0.0.1:3306)/agenthost".
func OpenMySQL(dsn string) (*Store, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if mcfg.Timeout == 0 {
		mcfg.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db, dialect: DriverMySQL}
	ctx, cancel := context.WithTimeout(context.Background(), mcfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() string {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity; used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// IsDuplicate reports whether err is a unique-key violation in either dialect.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKeyViolation reports whether err is a referential-integrity rejection.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1451 || me.Number == 1452
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsLockTimeout reports whether err means the backend gave up waiting for a lock.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1205
	}
	return isSQLiteBusy(err)
}

// IsUnavailable reports whether err means the backend could not be reached at all.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "sql: database is closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "unable to open database file")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ledger := `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		);`
	if s.dialect == DriverMySQL {
		ledger = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			checksum VARCHAR(128) NOT NULL,
			applied_at BIGINT NOT NULL
		) ENGINE=InnoDB;`
	}
	if _, err := tx.ExecContext(ctx, ledger); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := sqliteSchema
	if s.dialect == DriverMySQL {
		statements = mysqlSchema
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v%d: %w", schemaVersionLatest, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
	`, schemaVersionLatest, schemaChecksumLatest, nowMillis()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		character_config TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		world_id TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		payload TEXT NOT NULL DEFAULT '{}',
		update_interval INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_run_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_definitions_name ON task_definitions(name);`,
	`CREATE INDEX IF NOT EXISTS idx_task_definitions_world ON task_definitions(world_id);`,
	`CREATE TABLE IF NOT EXISTS agent_cache (
		agent_id TEXT NOT NULL REFERENCES agents(id),
		cache_key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (agent_id, cache_key)
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		character_config LONGTEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	) ENGINE=InnoDB;`,
	`CREATE TABLE IF NOT EXISTS task_definitions (
		id VARCHAR(26) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		world_id VARCHAR(64) NOT NULL DEFAULT '',
		tags TEXT NOT NULL,
		payload LONGTEXT NOT NULL,
		update_interval BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		last_run_at BIGINT NOT NULL DEFAULT 0,
		INDEX idx_task_definitions_name (name),
		INDEX idx_task_definitions_world (world_id)
	) ENGINE=InnoDB;`,
	`CREATE TABLE IF NOT EXISTS agent_cache (
		agent_id VARCHAR(36) NOT NULL,
		cache_key VARCHAR(191) NOT NULL,
		value LONGTEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (agent_id, cache_key),
		CONSTRAINT fk_agent_cache_agent FOREIGN KEY (agent_id) REFERENCES agents(id)
	) ENGINE=InnoDB;`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		trace_id VARCHAR(64) NOT NULL DEFAULT '',
		subject VARCHAR(255) NOT NULL DEFAULT '',
		action VARCHAR(128) NOT NULL,
		outcome VARCHAR(64) NOT NULL,
		detail TEXT NOT NULL,
		created_at BIGINT NOT NULL
	) ENGINE=InnoDB;`,
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
