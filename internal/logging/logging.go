package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const operationIDKey contextKey = "op_id"

// ParseLevel maps debug/info/warn/error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// InitLogger installs the default structured logger. format is "json" or
// "text". LOG_LEVEL overrides level when set.
func InitLogger(level, format string, w io.Writer) *slog.Logger {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Debug("logger initialized", "level", opts.Level.Level().String(), "format", format)
	return logger
}

// generateOperationID creates a short random ID for tracing one feed request
func generateOperationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithOperationID attaches a fresh operation ID to ctx unless one is present.
func WithOperationID(ctx context.Context) context.Context {
	if OperationIDFromContext(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, operationIDKey, generateOperationID())
}

// OperationIDFromContext extracts the operation ID from context
func OperationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext returns a logger with the operation ID attached
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if id := OperationIDFromContext(ctx); id != "" {
		return slog.Default().With("op_id", id)
	}
	return slog.Default()
}
