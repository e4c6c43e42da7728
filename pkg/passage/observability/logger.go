// Package observability provides structured logging, metrics and tracing
// for the passage engine and checkpoint store.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// Metrics and tracing have no-op implementations for when they are disabled.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/passage/pkg/passage/config"
)

// NewLogger builds a process logger from cfg. Output is JSON unless
// cfg.Format is "text", and every record carries a "service" attribute.
func NewLogger(w io.Writer, cfg config.Logging) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// EnrichLogger adds workflow context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "thread-123", "venue_selection", 4)
//	enriched.Info("doing work") // includes thread_id, node, step
func EnrichLogger(logger *slog.Logger, threadID, node string, step int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("thread_id", threadID),
		slog.String("node", node),
		slog.Int("step", step),
	)
}

// LogRunStart logs the start of an engine invocation.
func LogRunStart(logger *slog.Logger, threadID, op string) {
	if logger == nil {
		return
	}
	logger.Info("workflow run starting",
		slog.String("thread_id", threadID),
		slog.String("operation", op),
	)
}

// LogRunComplete logs an engine invocation that returned without error.
func LogRunComplete(logger *slog.Logger, threadID, status string, durationMs float64, steps int) {
	if logger == nil {
		return
	}
	logger.Info("workflow run finished",
		slog.String("thread_id", threadID),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_executed", steps),
	)
}

// LogRunError logs an engine invocation that failed.
func LogRunError(logger *slog.Logger, threadID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("workflow run failed",
		slog.String("thread_id", threadID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepStart logs node execution start.
func LogStepStart(logger *slog.Logger, node string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting", slog.String("node", node))
}

// LogStepComplete logs node completion and the routing decision that followed.
func LogStepComplete(logger *slog.Logger, node, next string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("node", node),
		slog.String("next", next),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs a node failure. The failure is recorded in workflow
// state, so this is a warning rather than an error.
func LogStepError(logger *slog.Logger, node string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("step failed",
		slog.String("node", node),
		slog.String("error", err.Error()),
	)
}

// LogInterrupt logs a suspension before a human-in-the-loop node.
func LogInterrupt(logger *slog.Logger, threadID, node, checkpointID string) {
	if logger == nil {
		return
	}
	logger.Info("workflow interrupted",
		slog.String("thread_id", threadID),
		slog.String("node", node),
		slog.String("checkpoint_id", checkpointID),
	)
}

// LogRouteFallback logs a route taken because the stage had no mapping.
func LogRouteFallback(logger *slog.Logger, stage, next string) {
	if logger == nil {
		return
	}
	logger.Warn("unmapped stage, using fallback route",
		slog.String("stage", stage),
		slog.String("next", next),
	)
}

// LogCheckpoint logs a persisted checkpoint.
func LogCheckpoint(logger *slog.Logger, threadID, checkpointID string, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint saved",
		slog.String("thread_id", threadID),
		slog.String("checkpoint_id", checkpointID),
		slog.Int("size_bytes", sizeBytes),
	)
}

// LogCheckpointError logs a failed checkpoint store operation.
func LogCheckpointError(logger *slog.Logger, threadID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint operation failed",
		slog.String("thread_id", threadID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogCacheError logs a cache tier problem that did not fail the caller.
func LogCacheError(logger *slog.Logger, key, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint cache problem",
		slog.String("key", key),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogSweep logs the outcome of a retention sweep.
func LogSweep(logger *slog.Logger, threads, deleted, failures int, durationMs float64) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if failures > 0 {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "retention sweep finished",
		slog.Int("threads", threads),
		slog.Int("deleted", deleted),
		slog.Int("failures", failures),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
