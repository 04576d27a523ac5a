package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds an adapter over the Messages API. SDK retries are
// disabled; fallback is the router's job.
func NewAnthropic(apiKey, baseURL string, httpClient *http.Client) (*Anthropic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

func (*Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Invoke(ctx context.Context, req Request) (*Result, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokensOrDefault(req.MaxTokens)),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.User))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	started := time.Now()
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var output strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			output.WriteString(text.Text)
		}
	}

	model := string(message.Model)
	if model == "" {
		model = req.Model
	}
	inputTokens := tokensOrEstimate(int(message.Usage.InputTokens), req.System+req.User)
	outputTokens := tokensOrEstimate(int(message.Usage.OutputTokens), output.String())
	return &Result{
		Output:       output.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMS:    time.Since(started).Milliseconds(),
		CostUSD:      p.EstimateCost(req.Model, inputTokens, outputTokens),
		Model:        model,
	}, nil
}

func (p *Anthropic) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return statusError(p.Name(), apiErr.StatusCode, http.StatusText(apiErr.StatusCode), err)
	}
	return classifyTransportError(p.Name(), err)
}

func (*Anthropic) CountTokens(_, text string) int { return EstimateTokens(text) }

func (*Anthropic) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return anthropicPrices.Cost(model, inputTokens, outputTokens)
}
