package requestid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureRequestUsesIncomingHeaderWhenValid(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/inference", nil)
	req.Header.Set("X-Request-ID", "abc-123")

	updated, id := EnsureRequest(req)
	if id != "abc-123" {
		t.Fatalf("request id=%q, want abc-123", id)
	}
	if got := updated.Header.Get(HeaderName); got != "abc-123" {
		t.Fatalf("%s=%q, want abc-123", HeaderName, got)
	}
	if fromCtx, ok := FromContext(updated.Context()); !ok || fromCtx != "abc-123" {
		t.Fatalf("context request id=%q (ok=%v), want abc-123", fromCtx, ok)
	}
}

func TestEnsureRequestGeneratesIDWhenIncomingHeaderInvalid(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	req.Header.Set(HeaderName, "bad value with spaces")

	updated, id := EnsureRequest(req)
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("generated id=%q, want req- prefix", id)
	}
	if got := updated.Header.Get(HeaderName); got != id {
		t.Fatalf("%s=%q, want %q", HeaderName, got, id)
	}
	if fromCtx, ok := FromContext(updated.Context()); !ok || fromCtx != id {
		t.Fatalf("context request id=%q (ok=%v), want %q", fromCtx, ok, id)
	}
}

func TestEnsureRequestKeepsContextID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req = req.WithContext(WithContext(req.Context(), "ctx-id"))
	req.Header.Set(HeaderName, "header-id")

	_, id := EnsureRequest(req)
	if id != "ctx-id" {
		t.Fatalf("request id=%q, want ctx-id", id)
	}
}

func TestFromHeadersPrioritizesCanonicalHeader(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	headers.Set("X-Request-ID", "request-id")
	headers.Set(HeaderName, "canonical-id")

	if got := FromHeaders(headers); got != "canonical-id" {
		t.Fatalf("FromHeaders()=%q, want canonical-id", got)
	}
}

func TestWithContextIgnoresInvalidID(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "not valid!")
	if _, ok := FromContext(ctx); ok {
		t.Fatal("FromContext() ok=true, want false for invalid id")
	}

	long := strings.Repeat("a", maxIDLen+20)
	ctx = WithContext(context.Background(), long)
	got, ok := FromContext(ctx)
	if !ok || len(got) != maxIDLen {
		t.Fatalf("FromContext() len=%d ok=%v, want truncated to %d", len(got), ok, maxIDLen)
	}
}
