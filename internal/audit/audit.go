package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agenthost/internal/shared"
)

// Outcomes recorded for lifecycle mutations.
const (
	OutcomeOK       = "ok"
	OutcomeAccepted = "accepted"
	OutcomeError    = "error"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	db           *sql.DB
	failureCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of error outcomes recorded since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// Record appends one lifecycle mutation to the JSONL trail and the audit_log
// table. Detail and subject are redacted before they are written.
func Record(ctx context.Context, action, subject, outcome, detail string) {
	if outcome == OutcomeError {
		failureCount.Add(1)
	}

	subject = shared.Redact(subject)
	detail = shared.Redact(detail)
	traceID := shared.TraceID(ctx)
	now := time.Now().UTC()

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: now.Format(time.RFC3339Nano),
			TraceID:   traceID,
			Action:    action,
			Subject:   subject,
			Outcome:   outcome,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, outcome, detail, now.UnixMilli())
	}
}
