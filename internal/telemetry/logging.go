// Package telemetry builds the process logger. Every line is JSON written to
// <home>/logs/system.jsonl, and mirrored to stdout unless quiet.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/proofline/internal/shared"
)

const redacted = "[REDACTED]"

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
	return newLogger(w, level), file, nil
}

// NewWriterLogger builds the same handler over an arbitrary writer. Tests and
// one-shot CLI commands use it to avoid touching the home directory.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return newLogger(w, level)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "proofline", "trace_id", "-")
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return redacted, true
	}
	out := shared.Redact(v)
	return out, out != v
}

// ForRequest returns logger annotated with the trace and actor carried by
// ctx. Attributes added later shadow the base trace_id.
func ForRequest(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("trace_id", shared.TraceID(ctx))
	if actor := shared.ActorID(ctx); actor != "" {
		l = l.With("actor_id", actor)
	}
	return l
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
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
