// Package logging builds the process logger.
//
// Output is human-readable text on a terminal and JSON otherwise. LOG_FORMAT
// (text/json) overrides the detection and LOG_LEVEL (debug/info/warn/error)
// sets the level.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

type ContextKey string

// RunIDKey is the context key for the extraction run id.
const RunIDKey ContextKey = "log_run_id"

// WithRunID adds a run id to the context for logging.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID extracts the run id from context.
func GetRunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(RunIDKey).(string); ok {
		return s
	}
	return ""
}

// FromContext returns logger with the context's run id attached.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := GetRunID(ctx); id != "" {
		return logger.With("run_id", id)
	}
	return logger
}

// Options overrides the environment. Zero values fall back to it.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// New creates a logger configured from opts and the environment.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	format := opts.Format
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if useText(format, out) {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(out, handlerOpts))
}

// SetDefault creates a logger and installs it as the slog default.
func SetDefault(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func useText(format string, out io.Writer) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLogLevel(level string) slog.Level {
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
