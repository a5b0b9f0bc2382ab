package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/agenthost/internal/shared"
)

// NewLogger writes JSON logs to <home>/logs/system.jsonl and, unless quiet,
// to stdout as well.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	return NewWriterLogger(w, level), file, nil
}

// NewWriterLogger builds the redacting JSON logger on top of an arbitrary writer.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, shared.RedactedPlaceholder)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "runtime", "trace_id", "-")
}

// Discard returns a logger that drops everything. Handy for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithContext decorates logger with the trace and subject ids carried by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	if id := shared.AgentID(ctx); id != "" {
		attrs = append(attrs, "agent_id", id)
	}
	if id := shared.WorldID(ctx); id != "" {
		attrs = append(attrs, "world_id", id)
	}
	if id := shared.TaskID(ctx); id != "" {
		attrs = append(attrs, "task_id", id)
	}
	return logger.With(attrs...)
}

func shouldRedactKey(key string) bool {
	if shared.IsSensitiveKey(key) {
		return true
	}
	return strings.Contains(strings.ToLower(key), "bearer")
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return shared.RedactedPlaceholder, true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return shared.RedactedPlaceholder, true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
