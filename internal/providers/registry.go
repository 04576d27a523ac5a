package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/imTariful/LLM-evaluation/internal/config"
)

// Registry maps provider names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		registry.adapters[adapter.Name()] = adapter
	}
	return registry
}

func (r *Registry) Get(name string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[name]
	return adapter, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig registers every backend enabled in cfg. Remote backends share
// httpClient and are wrapped in a rate limiter when configured.
func FromConfig(ctx context.Context, cfg config.ProvidersConfig, httpClient *http.Client) (*Registry, error) {
	adapters := make([]Adapter, 0, 5)

	if cfg.OpenAI.Enabled() {
		adapter, err := NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, httpClient)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, RateLimited(adapter, cfg.OpenAI.RateLimitRPS, cfg.OpenAI.Burst))
	}
	if cfg.Anthropic.Enabled() {
		adapter, err := NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, httpClient)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, RateLimited(adapter, cfg.Anthropic.RateLimitRPS, cfg.Anthropic.Burst))
	}
	if cfg.Gemini.Enabled() {
		adapter, err := NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL, httpClient)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, RateLimited(adapter, cfg.Gemini.RateLimitRPS, cfg.Gemini.Burst))
	}
	if cfg.Ollama.Enabled {
		adapters = append(adapters, NewOllama(cfg.Ollama.BaseURL, httpClient))
	}
	if cfg.Mock.Enabled {
		adapters = append(adapters, NewMock())
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no providers enabled: set an api key or enable ollama or mock")
	}
	return NewRegistry(adapters...), nil
}

var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1-", "openai"},
	{"o3-", "openai"},
	{"claude", "anthropic"},
	{"gemini", "gemini"},
	{"codellama", "ollama"},
	{"llama", "ollama"},
	{"mistral", "ollama"},
	{"phi", "ollama"},
	{"gemma", "ollama"},
	{"qwen", "ollama"},
	{"mock", "mock"},
}

// InferProvider guesses the provider serving model from its name. It
// returns "" when nothing matches.
func InferProvider(model string) string {
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, entry := range modelPrefixes {
		if strings.HasPrefix(lower, entry.prefix) {
			return entry.provider
		}
	}
	return ""
}
