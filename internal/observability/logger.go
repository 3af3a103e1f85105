// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with engine-specific context fields.
// Metrics exposes prometheus counters and histograms for evaluations,
// decisions, rollbacks, and policy-client health.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent component field.
type Logger struct {
	mu        sync.RWMutex
	inner     *slog.Logger
	component string
}

// NewLogger creates a structured JSON logger for a given component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:     slog.New(handler),
		component: component,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return &Logger{
		inner:     slog.New(h),
		component: component,
	}
}

// Named returns a Logger for a sub-component sharing the same handler.
func (l *Logger) Named(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner,
		component: component,
	}
}

// With returns a new Logger with an additional persistent field.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner.With(slog.Any(key, value)),
		component: l.component,
	}
}

// attrs prepends the component name to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// DecisionEvent logs an evolution decision.
func (l *Logger) DecisionEvent(evolutionID, agentID, decision string, totalScore float64, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("evolution_id", evolutionID),
		slog.String("agent_id", agentID),
		slog.String("decision", decision),
		slog.Float64("total_score", totalScore),
	}, args...)
	l.inner.Info("decision", allArgs...)
}

// RollbackEvent logs a rollback outcome.
func (l *Logger) RollbackEvent(agentID, fromVersion, toVersion, reason string, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("agent_id", agentID),
		slog.String("from_version", fromVersion),
		slog.String("to_version", toVersion),
		slog.String("reason", reason),
	}, args...)
	l.inner.Info("rollback", allArgs...)
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
