// Package providers adapts inference backends to one contract so the router
// can treat them interchangeably.
package providers

import "context"

// Request is a rendered prompt ready to send to a backend.
type Request struct {
	System      string
	User        string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Result is one completed inference call.
type Result struct {
	Output       string  `json:"output"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	LatencyMS    int64   `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
	Model        string  `json:"model"`
}

// Target is one step of a fallback chain.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Adapter wraps a single backend. Implementations must be safe for
// concurrent use.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Result, error)
	CountTokens(model, text string) int
	EstimateCost(model string, inputTokens, outputTokens int) float64
}

const defaultMaxTokens = 1024

func maxTokensOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return defaultMaxTokens
}

// tokensOrEstimate prefers the backend-reported count.
func tokensOrEstimate(reported int, text string) int {
	if reported > 0 {
		return reported
	}
	return EstimateTokens(text)
}
