package providers

import (
	"math"
	"testing"
)

func TestOpenAIPricingLongestPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  Rate
	}{
		{model: "gpt-4o-mini-2024-07-18", want: Rate{InputPer1K: 0.00015, OutputPer1K: 0.0006}},
		{model: "gpt-4o", want: Rate{InputPer1K: 0.005, OutputPer1K: 0.015}},
		{model: "gpt-4-turbo-preview", want: Rate{InputPer1K: 0.01, OutputPer1K: 0.03}},
		{model: "gpt-4-32k-0613", want: Rate{InputPer1K: 0.06, OutputPer1K: 0.12}},
		{model: "gpt-4-0613", want: Rate{InputPer1K: 0.03, OutputPer1K: 0.06}},
		{model: "gpt-3.5-turbo-16k", want: Rate{InputPer1K: 0.003, OutputPer1K: 0.004}},
		{model: "text-davinci-003", want: Rate{InputPer1K: 0.0005, OutputPer1K: 0.0015}},
	}
	for _, tt := range tests {
		if got := openAIPrices.Lookup(tt.model); got != tt.want {
			t.Fatalf("Lookup(%q)=%+v, want %+v", tt.model, got, tt.want)
		}
	}
}

func TestCostRoundsToSixDecimals(t *testing.T) {
	t.Parallel()

	got := (&OpenAI{}).EstimateCost("gpt-4o-mini", 333, 777)
	want := 0.000516
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("EstimateCost()=%v, want %v", got, want)
	}
	if RoundCost(0.1234567) != 0.123457 {
		t.Fatalf("RoundCost(0.1234567)=%v, want 0.123457", RoundCost(0.1234567))
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2, "abcdefgh": 2}
	for text, want := range tests {
		if got := EstimateTokens(text); got != want {
			t.Fatalf("EstimateTokens(%q)=%d, want %d", text, got, want)
		}
	}
}

func TestAnthropicAndGeminiPricing(t *testing.T) {
	t.Parallel()

	if got := (&Anthropic{}).EstimateCost("claude-3-5-haiku-20241022", 1000, 1000); got != 0.0048 {
		t.Fatalf("claude-3-5-haiku cost=%v, want 0.0048", got)
	}
	if got := (&Gemini{}).EstimateCost("gemini-1.5-pro-002", 2000, 1000); got != 0.0075 {
		t.Fatalf("gemini-1.5-pro cost=%v, want 0.0075", got)
	}
	if got := (&Ollama{}).EstimateCost("llama3", 1000, 1000); got != 0 {
		t.Fatalf("ollama cost=%v, want 0", got)
	}
}
