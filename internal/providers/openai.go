package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds an adapter over the chat completions API. baseURL and
// httpClient are optional.
func NewOpenAI(apiKey, baseURL string, httpClient *http.Client) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}, nil
}

func (*OpenAI) Name() string { return "openai" }

func (p *OpenAI) Invoke(ctx context.Context, req Request) (*Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	started := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   maxTokensOrDefault(req.MaxTokens),
	})
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Kind: KindUnknown, Provider: p.Name(), Message: "response contained no choices"}
	}

	output := resp.Choices[0].Message.Content
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	inputTokens := tokensOrEstimate(resp.Usage.PromptTokens, req.System+req.User)
	outputTokens := tokensOrEstimate(resp.Usage.CompletionTokens, output)
	return &Result{
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMS:    time.Since(started).Milliseconds(),
		CostUSD:      p.EstimateCost(req.Model, inputTokens, outputTokens),
		Model:        model,
	}, nil
}

func (p *OpenAI) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(p.Name(), apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return statusError(p.Name(), reqErr.HTTPStatusCode, "", err)
	}
	return classifyTransportError(p.Name(), err)
}

func (*OpenAI) CountTokens(_, text string) int { return EstimateTokens(text) }

func (*OpenAI) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return openAIPrices.Cost(model, inputTokens, outputTokens)
}
