package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (*Gemini) Name() string { return "gemini" }

func (p *Gemini) Invoke(ctx context.Context, req Request) (*Result, error) {
	maxTokens := maxTokensOrDefault(req.MaxTokens)
	if maxTokens > math.MaxInt32 {
		maxTokens = math.MaxInt32
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	started := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromText(req.User, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, p.classify(err)
	}

	output := resp.Text()
	var reportedIn, reportedOut int
	if resp.UsageMetadata != nil {
		reportedIn = int(resp.UsageMetadata.PromptTokenCount)
		reportedOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	inputTokens := tokensOrEstimate(reportedIn, req.System+req.User)
	outputTokens := tokensOrEstimate(reportedOut, output)
	return &Result{
		Output:       output,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMS:    time.Since(started).Milliseconds(),
		CostUSD:      p.EstimateCost(req.Model, inputTokens, outputTokens),
		Model:        req.Model,
	}, nil
}

func (p *Gemini) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(p.Name(), apiErr.Code, apiErr.Message, err)
	}
	return classifyTransportError(p.Name(), err)
}

func (*Gemini) CountTokens(_, text string) int { return EstimateTokens(text) }

func (*Gemini) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return geminiPrices.Cost(model, inputTokens, outputTokens)
}
