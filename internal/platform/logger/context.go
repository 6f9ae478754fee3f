package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type for context keys to avoid collisions with
// keys defined in other packages.
type contextKey struct{}

// loggerKey is the context key under which a request- or cycle-scoped
// logger is stored.
var loggerKey = contextKey{}

// WithContext returns a new context carrying the given logger. Worker cycles
// and HTTP requests attach a logger enriched with their identifiers so that
// code deeper in the call stack logs with the same attributes.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger stored in the context, falling back to
// the process-wide default logger when none is present.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// FromContextOrDefault retrieves the logger stored in the context, falling
// back to the provided logger when none is present.
func FromContextOrDefault(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}
