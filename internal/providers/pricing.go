package providers

import (
	"math"
	"strings"
)

// Rate is a per-1K-token price pair.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PriceTable resolves model names to rates by longest matching prefix.
type PriceTable struct {
	rates    map[string]Rate
	fallback Rate
}

func NewPriceTable(rates map[string]Rate, fallback Rate) PriceTable {
	return PriceTable{rates: rates, fallback: fallback}
}

func (p PriceTable) Lookup(model string) Rate {
	model = strings.ToLower(strings.TrimSpace(model))
	best := ""
	for prefix := range p.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return p.fallback
	}
	return p.rates[best]
}

func (p PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	rate := p.Lookup(model)
	return RoundCost(float64(inputTokens)/1000*rate.InputPer1K + float64(outputTokens)/1000*rate.OutputPer1K)
}

// RoundCost rounds a USD amount to 6 decimals.
func RoundCost(usd float64) float64 {
	return math.Round(usd*1e6) / 1e6
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

var openAIPrices = NewPriceTable(map[string]Rate{
	"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-32k":         {InputPer1K: 0.06, OutputPer1K: 0.12},
	"gpt-4o":            {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"gpt-3.5-turbo-16k": {InputPer1K: 0.003, OutputPer1K: 0.004},
}, Rate{InputPer1K: 0.0005, OutputPer1K: 0.0015})

var anthropicPrices = NewPriceTable(map[string]Rate{
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-7-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
}, Rate{InputPer1K: 0.003, OutputPer1K: 0.015})

var geminiPrices = NewPriceTable(map[string]Rate{
	"gemini-1.5-pro":        {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":      {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-2.0-flash":      {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-2.0-flash-lite": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
}, Rate{InputPer1K: 0.000075, OutputPer1K: 0.0003})
