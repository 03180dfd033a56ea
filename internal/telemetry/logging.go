package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/storyforge/internal/shared"
)

// Level is shared by every logger built here so a config reload can change
// verbosity without rebuilding handlers.
var Level = new(slog.LevelVar)

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl and, unless quiet,
// mirrors records to stdout (text on a terminal, JSON otherwise).
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	return newLogger(homeDir, level, quiet, os.Stdout)
}

func newLogger(homeDir, level string, quiet bool, stdout *os.File) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	SetLevel(level)
	opts := &slog.HandlerOptions{Level: Level, ReplaceAttr: replaceAttr}
	handlers := []slog.Handler{slog.NewJSONHandler(file, opts)}
	if !quiet && stdout != nil {
		if isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd()) {
			handlers = append(handlers, slog.NewTextHandler(stdout, opts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(stdout, opts))
		}
	}
	logger := slog.New(fanout(handlers)).With("component", "storyforge", "trace_id", "-")
	return logger, file, nil
}

// SetLevel updates the shared level; unknown names map to info.
func SetLevel(level string) {
	Level.Set(parseLevel(level))
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
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

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
