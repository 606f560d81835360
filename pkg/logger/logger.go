package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New returns the process-wide JSON logger. Debug level everywhere but
// production; every record carries the service name so call, presence,
// and router logs from several processes aggregate under one stream.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv != "production" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "realtime")
}

// ShutdownFlush is a placeholder for future log flushing (if a buffered handler is adopted).
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
