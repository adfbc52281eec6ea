// Package logging provides the engine's structured logger, a thin wrapper
// around log/slog in the same spirit as the reference model-runner's
// logging package.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is the application logger type, backed by slog.
type Logger = *slog.Logger

// ParseLevel parses a log level string into slog.Level. Supported values:
// debug, info, warn, error (case-insensitive). Defaults to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new slog.Logger. When json is true it uses a JSON handler
// (suited to log aggregation), otherwise a human-readable text handler.
func New(level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Component returns a logger scoped to a named subsystem, e.g.
// Component(log, "modelcache").
func Component(log Logger, name string) Logger {
	return log.With("component", name)
}

type requestIDKey struct{}

// WithRequestID attaches a request id to a context for later retrieval by
// ForRequest, so handlers deep in the pipeline can log with correlation
// without threading the logger explicitly through every call.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "" if none.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ForRequest returns a logger annotated with the request id carried in ctx,
// if any.
func ForRequest(ctx context.Context, log Logger) Logger {
	if id := RequestID(ctx); id != "" {
		return log.With("request_id", id)
	}
	return log
}
