// Package pricing estimates the USD cost of a completion from token counts.
package pricing

import (
	"sort"
	"strings"
)

// Rate is a per-million-token price in USD.
type Rate struct {
	Prompt     float64
	Completion float64
}

var rates = map[string]Rate{
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-pro":        {1.25, 10.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-opus-4-1":       {15.00, 75.00},
	"gpt-4o-mini":           {0.15, 0.60},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4.1-mini":          {0.40, 1.60},
	"gpt-4.1":               {2.00, 8.00},
	"llama-3.3-70b":         {0.59, 0.79},
}

// longest first, so "gpt-4o-mini" wins over "gpt-4o"
var prefixes = func() []string {
	keys := make([]string, 0, len(rates))
	for k := range rates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	return keys
}()

// Lookup resolves a model name to its rate. Provider prefixes
// ("anthropic/...") and dated suffixes ("-20250929") are ignored.
func Lookup(model string) (Rate, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, p := range prefixes {
		if strings.HasPrefix(m, p) {
			return rates[p], true
		}
	}
	return Rate{}, false
}

// EstimateCost returns 0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	r, ok := Lookup(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1_000_000*r.Prompt + float64(completionTokens)/1_000_000*r.Completion
}
