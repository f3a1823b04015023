package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithTrace(logger *slog.Logger, traceID string) *slog.Logger {
	if logger == nil || traceID == "" {
		return logger
	}
	return logger.With("trace_id", traceID)
}

func WithInstance(logger *slog.Logger, instanceID string) *slog.Logger {
	if logger == nil || instanceID == "" {
		return logger
	}
	return logger.With("instance_id", instanceID)
}
