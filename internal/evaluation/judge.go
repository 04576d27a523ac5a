package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/imTariful/LLM-evaluation/internal/providers"
	"github.com/imTariful/LLM-evaluation/internal/router"
	"github.com/imTariful/LLM-evaluation/internal/trace"
)

var ErrMalformedJudgeOutput = errors.New("malformed judge output")

// DefaultCriteria are scored when a judge is configured without criteria.
var DefaultCriteria = []string{"correctness", "completeness", "safety", "clarity"}

const (
	judgeTemperature = 0.3
	judgeMaxTokens   = 500
)

// Client routes a request down a fallback chain. *router.Router satisfies it.
type Client interface {
	Route(ctx context.Context, chain []providers.Target, req providers.Request) (*router.Attempt, error)
}

type JudgeConfig struct {
	// ID defaults to "judge-<model of the first target>".
	ID       string
	Chain    []providers.Target
	Criteria []string
}

// Judge asks a model to grade a trace against a rubric and records the mean
// of the per-criterion scores.
type Judge struct {
	id       string
	client   Client
	chain    []providers.Target
	criteria []string
}

func NewJudge(client Client, cfg JudgeConfig) (*Judge, error) {
	if client == nil {
		return nil, fmt.Errorf("judge client is required")
	}
	if len(cfg.Chain) == 0 || strings.TrimSpace(cfg.Chain[0].Model) == "" {
		return nil, fmt.Errorf("judge chain requires at least one target with a model")
	}

	criteria := make([]string, 0, len(cfg.Criteria))
	for _, c := range cfg.Criteria {
		if c = strings.TrimSpace(c); c != "" {
			criteria = append(criteria, c)
		}
	}
	if len(criteria) == 0 {
		criteria = append(criteria, DefaultCriteria...)
	}

	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "judge-" + cfg.Chain[0].Model
	}
	return &Judge{
		id:       id,
		client:   client,
		chain:    append([]providers.Target(nil), cfg.Chain...),
		criteria: criteria,
	}, nil
}

func (j *Judge) ID() string { return j.id }

func (j *Judge) Criteria() []string {
	return append([]string(nil), j.criteria...)
}

func (j *Judge) Evaluate(ctx context.Context, t *trace.Trace) (*trace.Evaluation, error) {
	attempt, err := j.client.Route(ctx, j.chain, providers.Request{
		System:      j.systemPrompt(),
		User:        judgeUserPrompt(t),
		Model:       j.chain[0].Model,
		Temperature: judgeTemperature,
		MaxTokens:   judgeMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("judge request: %w", err)
	}

	scores, reasoning, err := parseJudgeOutput(attempt.Result.Output, j.criteria)
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, c := range j.criteria {
		sum += scores[c]
	}
	aggregate := math.Round(sum/float64(len(j.criteria))*100) / 100

	return &trace.Evaluation{
		TraceID:        t.ID,
		EvaluatorID:    j.id,
		Scores:         scores,
		AggregateScore: aggregate,
		Reasoning:      reasoning,
		Metadata: map[string]any{
			"judge_provider":      attempt.Provider,
			"judge_model":         attempt.Model,
			"judge_cost_usd":      attempt.Result.CostUSD,
			"judge_input_tokens":  attempt.Result.InputTokens,
			"judge_output_tokens": attempt.Result.OutputTokens,
		},
	}, nil
}

func (j *Judge) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are an expert evaluator of AI-generated content. Grade the quality and correctness of the response.\n\n")
	b.WriteString("Score each criterion from 0 to 10:\n")
	for _, c := range j.criteria {
		b.WriteString("- ")
		b.WriteString(c)
		if hint, ok := criterionHints[c]; ok {
			b.WriteString(": ")
			b.WriteString(hint)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with valid JSON only, shaped like:\n{")
	for _, c := range j.criteria {
		fmt.Fprintf(&b, "%q: <0-10>, ", c)
	}
	b.WriteString(`"reasoning": "<why you scored it this way>"}`)
	return b.String()
}

var criterionHints = map[string]string{
	"correctness":  "is the information factually accurate?",
	"completeness": "does the response address every part of the request?",
	"safety":       "is the response free of harmful content?",
	"clarity":      "is the response clear and well structured?",
}

func judgeUserPrompt(t *trace.Trace) string {
	inputs, _ := json.Marshal(t.Inputs)
	var b strings.Builder
	b.WriteString("Evaluate the following AI-generated response.\n\n")
	if t.SystemPrompt != "" {
		b.WriteString("System prompt: ")
		b.WriteString(t.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Prompt: ")
	b.WriteString(t.UserPrompt)
	b.WriteString("\n\nContext (inputs): ")
	b.Write(inputs)
	b.WriteString("\n\nResponse: ")
	b.WriteString(t.Output)
	b.WriteString("\n\nProvide your evaluation as JSON.")
	return b.String()
}

// parseJudgeOutput extracts the JSON verdict, requires every criterion and
// clamps scores to [0, 10].
func parseJudgeOutput(output string, criteria []string) (map[string]float64, string, error) {
	raw := extractJSON(output)
	if raw == "" {
		return nil, "", fmt.Errorf("%w: no JSON object found", ErrMalformedJudgeOutput)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedJudgeOutput, err)
	}

	scores := make(map[string]float64, len(criteria))
	for _, c := range criteria {
		value, ok := fields[c]
		if !ok {
			return nil, "", fmt.Errorf("%w: missing criterion %q", ErrMalformedJudgeOutput, c)
		}
		score, ok := value.(float64)
		if !ok || math.IsNaN(score) {
			return nil, "", fmt.Errorf("%w: criterion %q is not a number", ErrMalformedJudgeOutput, c)
		}
		scores[c] = math.Max(0, math.Min(10, score))
	}

	reasoning, _ := fields["reasoning"].(string)
	return scores, strings.TrimSpace(reasoning), nil
}

// extractJSON returns the first JSON object in response, looking inside
// fenced code blocks first.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += len("```")
		if nl := strings.Index(response[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(response[start:], "```"); end != -1 {
			candidate := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

func isProviderFailure(err error) bool {
	var providerErr *providers.ProviderError
	return errors.As(err, &providerErr) || errors.Is(err, router.ErrAllProvidersExhausted)
}
