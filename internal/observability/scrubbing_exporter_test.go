package observability

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type recordingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(_ context.Context) error { return nil }

func (e *recordingExporter) Spans() []sdktrace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), e.spans...)
}

func spanAttrMap(span sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string)
	for _, a := range span.Attributes() {
		out[string(a.Key)] = a.Value.Emit()
	}
	return out
}

func testSpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1},
		SpanID:  trace.SpanID{1},
	})
}

func TestScrubbingExporterRemovesCredentialFromAttributesAndStatus(t *testing.T) {
	t.Parallel()

	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)

	stub := tracetest.SpanStub{
		Name:        "router.attempt",
		SpanContext: testSpanContext(),
		Attributes: []attribute.KeyValue{
			attribute.String("error.message", "invalid key sk-abcdefghijklmnopqrstuvwx"),
			attribute.String("llmeval.provider", "openai"),
			attribute.Int("llmeval.attempt", 2),
		},
		Status: sdktrace.Status{Code: codes.Error, Description: "Bearer abcdefghijklmnop rejected"},
		Events: []sdktrace.Event{{
			Name:       "exception",
			Attributes: []attribute.KeyValue{attribute.String("exception.message", "key=abcdef123456")},
		}},
	}

	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{stub.Snapshot()}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}

	spans := inner.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported spans=%d, want 1", len(spans))
	}
	attrs := spanAttrMap(spans[0])
	if got := attrs["error.message"]; got != "invalid key [CREDENTIAL_REDACTED]" {
		t.Fatalf("error.message=%q, want scrubbed", got)
	}
	if got := attrs["llmeval.provider"]; got != "openai" {
		t.Fatalf("llmeval.provider=%q, want openai", got)
	}
	if got := attrs["llmeval.attempt"]; got != "2" {
		t.Fatalf("llmeval.attempt=%q, want 2", got)
	}
	if got := spans[0].Status().Description; ContainsCredential(got) {
		t.Fatalf("status description=%q, want scrubbed", got)
	}
	if got := spans[0].Events()[0].Attributes[0].Value.AsString(); ContainsCredential(got) {
		t.Fatalf("event attribute=%q, want scrubbed", got)
	}
}

func TestScrubbingExporterCleanSpanPassesThrough(t *testing.T) {
	t.Parallel()

	inner := &recordingExporter{}
	exporter := newScrubbingExporter(inner)

	original := tracetest.SpanStub{
		Name:        "evaluation.run",
		SpanContext: testSpanContext(),
		Attributes:  []attribute.KeyValue{attribute.String("llmeval.evaluator_id", "hallucination")},
	}.Snapshot()

	if err := exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{original}); err != nil {
		t.Fatalf("ExportSpans() error: %v", err)
	}
	if spans := inner.Spans(); len(spans) != 1 || spans[0] != original {
		t.Fatalf("clean span was copied, want pass-through")
	}
}
