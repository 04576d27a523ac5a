package observability

import (
	"context"
	"log/slog"

	"github.com/imTariful/LLM-evaluation/internal/requestid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// traceLogHandler adds request_id, trace_id and span_id to records logged
// with a context that carries them.
type traceLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner, or slog.Default().Handler() when inner is
// nil.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &traceLogHandler{inner: inner}
}

func (h *traceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *traceLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if id, ok := requestid.FromContext(ctx); ok {
		record.AddAttrs(slog.String("request_id", id))
	}
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() && span.IsRecording() {
		sc := span.SpanContext()
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.inner.Handle(ctx, record)
}

func (h *traceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *traceLogHandler) WithGroup(name string) slog.Handler {
	return &traceLogHandler{inner: h.inner.WithGroup(name)}
}
