// Package pricing holds the static per-model price table and token
// accounting helpers. Prices are USD per million tokens, compiled in.
package pricing

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Price is the USD cost per million input/output tokens.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var table = map[string]Price{
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-1-20250805":   {15.00, 75.00},
	"claude-3-7-sonnet-20250219": {3.00, 15.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"gemini-2.5-pro":             {1.25, 10.00},
	"gemini-2.5-flash":           {0.30, 2.50},
	"gemini-2.5-flash-lite":      {0.10, 0.40},
	"gemini-3-pro-preview":       {2.00, 12.00},
}

// defaultPrice is applied when a model has no table entry, so cost ceilings
// still bite for unknown models.
var defaultPrice = Price{3.00, 15.00}

// Lookup returns the price row for a model, falling back by prefix so dated
// aliases (claude-sonnet-4-20250514 vs claude-sonnet-4) resolve either way.
func Lookup(model string) Price {
	if p, ok := table[model]; ok {
		return p
	}
	for name, p := range table {
		if strings.HasPrefix(name, model) || strings.HasPrefix(model, strings.TrimRight(name, "-0123456789")) {
			return p
		}
	}
	return defaultPrice
}

// Cost computes the USD cost of a request.
func Cost(model string, inputTokens, outputTokens int64) float64 {
	p := Lookup(model)
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text for providers that do
// not report usage. Uses the cl100k_base encoding when available, otherwise
// the 4-bytes-per-token heuristic.
func EstimateTokens(text string) int64 {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return int64(len(encoder.Encode(text, nil, nil)))
	}
	return int64(len(text)+3) / 4
}
