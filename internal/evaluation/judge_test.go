package evaluation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/imTariful/LLM-evaluation/internal/providers"
	"github.com/imTariful/LLM-evaluation/internal/router"
	"github.com/imTariful/LLM-evaluation/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedClient struct {
	output   string
	err      error
	requests []providers.Request
}

func (c *cannedClient) Route(_ context.Context, chain []providers.Target, req providers.Request) (*router.Attempt, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &router.Attempt{
		Provider: chain[0].Provider,
		Model:    chain[0].Model,
		Result:   &providers.Result{Output: c.output, InputTokens: 120, OutputTokens: 40, CostUSD: 0.0021},
	}, nil
}

func sampleTrace() *trace.Trace {
	return &trace.Trace{
		ID:              "trace-1",
		PromptVersionID: "version-1",
		Inputs:          map[string]string{"name": "Bob", "topic": "Python"},
		UserPrompt:      "Generate a greeting for Bob about Python.",
		Output:          "Hello Bob! Python is a friendly language for beginners.",
		Provider:        "mock",
		Model:           "mock-model",
	}
}

func TestJudgeWithMockProviderEndToEnd(t *testing.T) {
	t.Parallel()

	r := router.New(providers.NewRegistry(providers.NewMock()), router.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	judge, err := NewJudge(r, JudgeConfig{Chain: []providers.Target{{Provider: "mock", Model: "mock-judge"}}})
	require.NoError(t, err)
	assert.Equal(t, "judge-mock-judge", judge.ID())

	result, err := judge.Evaluate(context.Background(), sampleTrace())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "trace-1", result.TraceID)
	assert.Equal(t, map[string]float64{"correctness": 8, "completeness": 9, "safety": 10, "clarity": 8}, result.Scores)
	assert.Equal(t, 8.75, result.AggregateScore)
	assert.Equal(t, "This is a mock evaluation for development.", result.Reasoning)
	assert.Equal(t, "mock", result.Metadata["judge_provider"])
}

func TestJudgeBuildsRubricRequest(t *testing.T) {
	t.Parallel()

	client := &cannedClient{output: `{"accuracy": 7, "tone": 6, "reasoning": "ok"}`}
	judge, err := NewJudge(client, JudgeConfig{
		ID:       "judge-custom",
		Chain:    []providers.Target{{Provider: "openai", Model: "gpt-4o"}},
		Criteria: []string{"accuracy", " tone ", ""},
	})
	require.NoError(t, err)

	result, err := judge.Evaluate(context.Background(), sampleTrace())
	require.NoError(t, err)
	assert.Equal(t, "judge-custom", result.EvaluatorID)
	assert.Equal(t, 6.5, result.AggregateScore)
	assert.Equal(t, 0.0021, result.Metadata["judge_cost_usd"])

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, 0.3, req.Temperature)
	assert.Equal(t, 500, req.MaxTokens)
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Contains(t, req.System, `"accuracy": <0-10>`)
	assert.Contains(t, req.System, `"tone": <0-10>`)
	assert.Contains(t, req.User, "Generate a greeting for Bob about Python.")
	assert.Contains(t, req.User, `{"name":"Bob","topic":"Python"}`)
	assert.Contains(t, req.User, "Hello Bob!")
}

func TestJudgeRejectsMalformedOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
	}{
		{name: "no json", output: "I think it was fine."},
		{name: "missing criterion", output: `{"correctness": 8, "completeness": 9, "safety": 10, "reasoning": "no clarity"}`},
		{name: "non numeric score", output: `{"correctness": "high", "completeness": 9, "safety": 10, "clarity": 8}`},
		{name: "broken json", output: `{"correctness": 8,, }`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			judge, err := NewJudge(&cannedClient{output: tt.output}, JudgeConfig{Chain: []providers.Target{{Provider: "mock", Model: "m"}}})
			require.NoError(t, err)

			result, err := judge.Evaluate(context.Background(), sampleTrace())
			assert.Nil(t, result)
			assert.ErrorIs(t, err, ErrMalformedJudgeOutput)
			assert.Equal(t, FailureClassMalformed, classifyEvaluatorError(err))
		})
	}
}

func TestJudgeClampsScoresAndRoundsMean(t *testing.T) {
	t.Parallel()

	client := &cannedClient{output: "Here you go:\n```json\n{\"correctness\": 12, \"completeness\": -3, \"safety\": 9.333, \"clarity\": 7, \"reasoning\": \"odd {braces} \\\"quoted\\\"\"}\n```"}
	judge, err := NewJudge(client, JudgeConfig{Chain: []providers.Target{{Provider: "mock", Model: "m"}}})
	require.NoError(t, err)

	result, err := judge.Evaluate(context.Background(), sampleTrace())
	require.NoError(t, err)
	assert.Equal(t, 10.0, result.Scores["correctness"])
	assert.Equal(t, 0.0, result.Scores["completeness"])
	assert.Equal(t, 6.58, result.AggregateScore)
	assert.Equal(t, `odd {braces} "quoted"`, result.Reasoning)
}

func TestJudgeProviderFailureIsClassified(t *testing.T) {
	t.Parallel()

	exhausted := &router.ExhaustedError{Failures: []router.Failure{{Provider: "openai", Model: "gpt-4o", Kind: providers.KindRateLimited, Err: errors.New("429")}}}
	judge, err := NewJudge(&cannedClient{err: exhausted}, JudgeConfig{Chain: []providers.Target{{Provider: "openai", Model: "gpt-4o"}}})
	require.NoError(t, err)

	_, err = judge.Evaluate(context.Background(), sampleTrace())
	require.Error(t, err)
	assert.Equal(t, FailureClassProvider, classifyEvaluatorError(err))
}

func TestNewJudgeRequiresModel(t *testing.T) {
	t.Parallel()

	_, err := NewJudge(&cannedClient{}, JudgeConfig{})
	assert.Error(t, err)
	_, err = NewJudge(nil, JudgeConfig{Chain: []providers.Target{{Provider: "mock", Model: "m"}}})
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		want     string
	}{
		{name: "bare", response: `{"a": 1}`, want: `{"a": 1}`},
		{name: "json fence", response: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "generic fence", response: "```\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "surrounding prose", response: `Sure! {"a": {"b": "}"}} hope this helps`, want: `{"a": {"b": "}"}}`},
		{name: "escaped quote in string", response: `{"r": "say \"}\" now"} trailing`, want: `{"r": "say \"}\" now"}`},
		{name: "unbalanced", response: `{"a": 1`, want: ""},
		{name: "none", response: "no object", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractJSON(tt.response), tt.name)
	}
}
