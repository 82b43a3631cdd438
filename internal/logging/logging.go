// Package logging provides structured logging for swapd
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const (
	swapIDKey contextKey = "swap_id"
	loggerKey contextKey = "logger"
)

// New creates a new structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a structured logger writing to w
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithSwapID adds a swap ID to the context
func WithSwapID(ctx context.Context, swapID string) context.Context {
	return context.WithValue(ctx, swapIDKey, swapID)
}

// SwapID extracts the swap ID from context
func SwapID(ctx context.Context) string {
	if id, ok := ctx.Value(swapIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger carrying the swap ID
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := SwapID(ctx); id != "" {
		return logger.With("swap_id", id)
	}
	return logger
}
