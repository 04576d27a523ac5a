package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxOllamaErrorBody = 4096

// Ollama talks to a local Ollama server's generate endpoint.
type Ollama struct {
	baseURL string
	client  *http.Client
}

func NewOllama(baseURL string, httpClient *http.Client) *Ollama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

func (*Ollama) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Ollama) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: req.User,
		System: req.System,
		Stream: false,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": maxTokensOrDefault(req.MaxTokens),
		},
	})
	if err != nil {
		return nil, &ProviderError{Kind: KindInvalidRequest, Provider: p.Name(), Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Kind: KindUnavailable, Provider: p.Name(), Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxOllamaErrorBody))
		return nil, statusError(p.Name(), resp.StatusCode, string(snippet), nil)
	}

	var decoded ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ProviderError{Kind: KindUnknown, Provider: p.Name(), Message: "decode response", Err: fmt.Errorf("decode ollama response: %w", err)}
	}

	model := decoded.Model
	if model == "" {
		model = req.Model
	}
	return &Result{
		Output:       decoded.Response,
		InputTokens:  tokensOrEstimate(decoded.PromptEvalCount, req.System+req.User),
		OutputTokens: tokensOrEstimate(decoded.EvalCount, decoded.Response),
		LatencyMS:    time.Since(started).Milliseconds(),
		CostUSD:      0,
		Model:        model,
	}, nil
}

func (*Ollama) CountTokens(_, text string) int { return EstimateTokens(text) }

// EstimateCost is always zero for local inference.
func (*Ollama) EstimateCost(string, int, int) float64 { return 0 }
