package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	executionUUIDKey ctxKey = iota
	instanceIDKey
	stateNameKey
)

// WithExecutionUUID returns a context with the run (execution) UUID set.
func WithExecutionUUID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionUUIDKey, id)
}

// WithInstanceID returns a context with the state execution instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithStateName returns a context with the state name set.
func WithStateName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stateNameKey, name)
}

// ExecutionUUID extracts the run UUID from the context, or "" if absent.
func ExecutionUUID(ctx context.Context) string {
	v, _ := ctx.Value(executionUUIDKey).(string)
	return v
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// StateName extracts the state name from the context, or "" if absent.
func StateName(ctx context.Context) string {
	v, _ := ctx.Value(stateNameKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, executionUUID, instanceID, stateName string) context.Context {
	ctx = WithExecutionUUID(ctx, executionUUID)
	ctx = WithInstanceID(ctx, instanceID)
	ctx = WithStateName(ctx, stateName)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := ExecutionUUID(ctx); v != "" {
		logger = logger.With(slog.String("execution_uuid", v))
	}
	if v := InstanceID(ctx); v != "" {
		logger = logger.With(slog.String("instance_id", v))
	}
	if v := StateName(ctx); v != "" {
		logger = logger.With(slog.String("state_name", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ExecutionUUID(ctx); v != "" {
		r.AddAttrs(slog.String("execution_uuid", v))
	}
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := StateName(ctx); v != "" {
		r.AddAttrs(slog.String("state_name", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config level name onto a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewLogger builds the process logger: JSON to stderr, correlation ids injected.
func NewLogger(level string) *slog.Logger {
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}
