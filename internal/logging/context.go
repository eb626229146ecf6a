package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	pathIDKey
	nodeKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithPathID returns a context with the path ID set.
func WithPathID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, pathIDKey, id)
}

// WithNode returns a context with the current node name set.
func WithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, nodeKey, node)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// PathID extracts the path ID from the context, or 0 if absent.
func PathID(ctx context.Context) int64 {
	v, _ := ctx.Value(pathIDKey).(int64)
	return v
}

// Node extracts the current node name from the context, or "" if absent.
func Node(ctx context.Context) string {
	v, _ := ctx.Value(nodeKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, runID string, pathID int64, node string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithPathID(ctx, pathID)
	ctx = WithNode(ctx, node)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-zero values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if runID := RunID(ctx); runID != "" {
		logger = logger.With(slog.String("run_id", runID))
	}
	if pathID := PathID(ctx); pathID != 0 {
		logger = logger.With(slog.Int64("path_id", pathID))
	}
	if node := Node(ctx); node != "" {
		logger = logger.With(slog.String("node", node))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
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
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := PathID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("path_id", v))
	}
	if v := Node(ctx); v != "" {
		r.AddAttrs(slog.String("node", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
