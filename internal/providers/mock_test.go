package providers

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMockEchoesPrompt(t *testing.T) {
	t.Parallel()

	user := "Generate a greeting for Bob about Python. Make it warm and short please."
	result, err := NewMock().Invoke(context.Background(), Request{User: user, Model: "mock-model"})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	want := "Mock response to: " + user[:50] + "..."
	if result.Output != want {
		t.Fatalf("Output=%q, want %q", result.Output, want)
	}
	if result.InputTokens != len(user)/4 || result.OutputTokens != len(want)/4 {
		t.Fatalf("tokens=%d/%d, want len/4", result.InputTokens, result.OutputTokens)
	}
	if result.Model != "mock-model" {
		t.Fatalf("Model=%q, want mock-model", result.Model)
	}
}

func TestMockPreviewCutsOnCharacters(t *testing.T) {
	t.Parallel()

	user := strings.Repeat("é", 49) + "日本語"
	result, err := NewMock().Invoke(context.Background(), Request{User: user, Model: "mock-model"})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	want := "Mock response to: " + strings.Repeat("é", 49) + "日..."
	if result.Output != want {
		t.Fatalf("Output=%q, want %q", result.Output, want)
	}
	if !utf8.ValidString(result.Output) {
		t.Fatalf("Output=%q is not valid UTF-8", result.Output)
	}
}

func TestMockJudgeResponse(t *testing.T) {
	t.Parallel()

	for _, req := range []Request{
		{User: "score this", Model: "mock-judge"},
		{User: "Respond with JSON only", Model: "mock-model"},
	} {
		result, err := NewMock().Invoke(context.Background(), req)
		if err != nil {
			t.Fatalf("Invoke() error: %v", err)
		}
		if result.Output != MockJudgeResponse {
			t.Fatalf("Invoke(%+v) output=%q, want judge JSON", req, result.Output)
		}
	}
}

func TestMockCostFamilies(t *testing.T) {
	t.Parallel()

	m := NewMock()
	if got := m.EstimateCost("gpt-4-mock", 100, 100); got != 0.009 {
		t.Fatalf("gpt-4 family cost=%v, want 0.009", got)
	}
	if got := m.EstimateCost("gpt-3.5-mock", 1000, 1000); got != 0.002 {
		t.Fatalf("gpt-3.5 family cost=%v, want 0.002", got)
	}
	if got := m.EstimateCost("mock-model", 100, 100); got != 0.004 {
		t.Fatalf("default cost=%v, want 0.004", got)
	}
}

func TestMockHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMock().Invoke(ctx, Request{User: "x", Model: "mock-model"})
	if err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("Invoke() error=%v, want canceled", err)
	}
}
