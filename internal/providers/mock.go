package providers

import (
	"context"
	"strings"
	"time"
)

// MockJudgeResponse is what the mock returns for judge-style prompts.
const MockJudgeResponse = `{"correctness": 8, "completeness": 9, "safety": 10, "clarity": 8, "reasoning": "This is a mock evaluation for development."}`

// Mock is a deterministic in-process backend for development and tests.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (*Mock) Name() string { return "mock" }

func (m *Mock) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(m.Name(), err)
	}
	started := time.Now()

	prompt := req.User
	if req.System != "" {
		prompt = req.System + "\n\n" + req.User
	}

	var output string
	if strings.Contains(strings.ToLower(req.Model), "judge") || strings.Contains(prompt, "JSON") {
		output = MockJudgeResponse
	} else {
		preview := prompt
		if runes := []rune(preview); len(runes) > 50 {
			preview = string(runes[:50])
		}
		output = "Mock response to: " + preview + "..."
	}

	inputTokens := m.CountTokens(req.Model, prompt)
	outputTokens := m.CountTokens(req.Model, output)
	if req.MaxTokens > 0 && outputTokens > req.MaxTokens {
		outputTokens = req.MaxTokens
	}

	return &Result{
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMS:    time.Since(started).Milliseconds(),
		CostUSD:      m.EstimateCost(req.Model, inputTokens, outputTokens),
		Model:        req.Model,
	}, nil
}

func (*Mock) CountTokens(_, text string) int { return len(text) / 4 }

// EstimateCost uses per-token rates keyed on the model family the mock is
// standing in for.
func (*Mock) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	in, out := 0.00001, 0.00003
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gpt-4"):
		in, out = 0.00003, 0.00006
	case strings.Contains(lower, "gpt-3.5"):
		in, out = 0.0000005, 0.0000015
	}
	return RoundCost(float64(inputTokens)*in + float64(outputTokens)*out)
}
