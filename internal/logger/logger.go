package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with unidb-specific field names.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSON creates a Logger that writes JSON lines to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewText creates a Logger that writes human-readable lines to w.
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Noop creates a Logger that discards all output.
func Noop() *Logger {
	return New(slog.DiscardHandler)
}

// FromConfig builds a logger from a level name and a format ("text" or "json").
func FromConfig(level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "text":
		return NewText(os.Stderr, lvl), nil
	case "json":
		return NewJSON(os.Stderr, lvl), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// WithThread tags log lines with a transaction thread name.
func (l *Logger) WithThread(name string) *Logger {
	return &Logger{Logger: l.Logger.With("thread", name)}
}

// WithBackend tags log lines with a backend type.
func (l *Logger) WithBackend(name string) *Logger {
	return &Logger{Logger: l.Logger.With("backend", name)}
}

// LogTx records the end of a physical transaction.
func (l *Logger) LogTx(ctx context.Context, label, mode string, stores []string, event string, err error) {
	if err != nil {
		l.WarnContext(ctx, "transaction ended",
			"tx", label,
			"mode", mode,
			"stores", stores,
			"event", event,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "transaction ended",
		"tx", label,
		"mode", mode,
		"stores", stores,
		"event", event,
	)
}

// LogScan records a finished scan.
func (l *Logger) LogScan(ctx context.Context, label string, iterators, rounds int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "scan failed",
			"tx", label,
			"iterators", iterators,
			"rounds", rounds,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "scan done",
		"tx", label,
		"iterators", iterators,
		"rounds", rounds,
		"elapsed", elapsed,
	)
}

// LogRequest records a rejected request.
func (l *Logger) LogRequest(ctx context.Context, thread string, stores []string, err error) {
	l.WarnContext(ctx, "request rejected",
		"thread", thread,
		"stores", stores,
		"error", err,
	)
}
