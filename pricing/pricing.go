// Package pricing holds the static per-model cost table and the cost
// estimator every other governance engine is built on (Budget Checker,
// Feature Registry cost caps, dry-run preview, the post-call ledger
// update). Pricing is configuration, not state: it must not differ across
// replicas, so it is loaded once and never derived from a live request.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
)

// ModelPricing is the $/1M-token input and output rate for one model
// prefix. Free models are still looked up (for IsFree) but always cost 0.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
	Free        bool
}

// Table is a prefix-keyed pricing table: entries are matched by longest
// prefix, with an exact match always preferred over any prefix match.
// Keys are "provider/model-prefix"; the fallback entry "" applies
// when nothing else matches.
type Table struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// Default returns the built-in pricing table.
func Default() *Table {
	return &Table{
		pricing: map[string]ModelPricing{
			"openai/gpt-4o":                 {InputPer1M: 2.50, OutputPer1M: 10.00},
			"openai/gpt-4o-mini":             {InputPer1M: 0.15, OutputPer1M: 0.60},
			"openai/gpt-4-turbo":             {InputPer1M: 10.00, OutputPer1M: 30.00},
			"openai/gpt-4":                   {InputPer1M: 30.00, OutputPer1M: 60.00},
			"openai/gpt-3.5-turbo":           {InputPer1M: 0.50, OutputPer1M: 1.50},
			"openai/o1":                      {InputPer1M: 15.00, OutputPer1M: 60.00},
			"openai/o1-mini":                 {InputPer1M: 3.00, OutputPer1M: 12.00},
			"openai/text-embedding-3-small":  {InputPer1M: 0.02, OutputPer1M: 0.0},
			"openai/text-embedding-3-large":  {InputPer1M: 0.13, OutputPer1M: 0.0},
			"anthropic/claude-3-5-sonnet":    {InputPer1M: 3.00, OutputPer1M: 15.00},
			"anthropic/claude-3-5-haiku":     {InputPer1M: 0.80, OutputPer1M: 4.00},
			"anthropic/claude-3-opus":        {InputPer1M: 15.00, OutputPer1M: 75.00},
			"anthropic/claude-3-sonnet":      {InputPer1M: 3.00, OutputPer1M: 15.00},
			"anthropic/claude-3-haiku":       {InputPer1M: 0.25, OutputPer1M: 1.25},
			"ollama/":                        {InputPer1M: 0.0, OutputPer1M: 0.0, Free: true},
			"mock/":                          {InputPer1M: 0.0, OutputPer1M: 0.0, Free: true},
			"": {InputPer1M: 1.00, OutputPer1M: 2.00}, // default fallback for unlisted models
		},
	}
}

// LoadFromFile merges JSON pricing overrides into the table.
func (t *Table) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var overrides map[string]ModelPricing
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range overrides {
		t.pricing[k] = v
	}
	return nil
}

// Set adds or overwrites one pricing entry.
func (t *Table) Set(key string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[key] = p
}

// All returns a snapshot of every pricing entry.
func (t *Table) All() map[string]ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelPricing, len(t.pricing))
	for k, v := range t.pricing {
		out[k] = v
	}
	return out
}

// Lookup finds the pricing entry for "provider/model" using longest-prefix
// match. An exact key match always wins over a shorter prefix, even if a
// longer but non-matching prefix also exists, because an exact match is
// itself the longest possible match against its own key.
func (t *Table) Lookup(providerName, model string) (ModelPricing, bool) {
	key := providerName + "/" + model
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.pricing[key]; ok {
		return p, true
	}

	var bestKey string
	var best ModelPricing
	found := false
	for k, p := range t.pricing {
		if k == "" {
			continue
		}
		if strings.HasPrefix(key, k) && len(k) > len(bestKey) {
			bestKey, best, found = k, p, true
		}
	}
	if found {
		return best, true
	}
	if p, ok := t.pricing[""]; ok {
		return p, true
	}
	return ModelPricing{}, false
}

// EstimateCost computes in_tokens/1e6 * input_rate + out_tokens/1e6 *
// output_rate, rounded to 8 decimal places. Used both for pre-call
// admission estimates and the post-call ledger commit.
func (t *Table) EstimateCost(providerName, model string, inputTokens, outputTokens int) float64 {
	p, found := t.Lookup(providerName, model)
	if !found || p.Free {
		return 0
	}
	total := float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	return math.Round(total*1e8) / 1e8
}

// IsFree reports whether the resolved pricing entry is marked free.
func (t *Table) IsFree(providerName, model string) bool {
	p, found := t.Lookup(providerName, model)
	return found && p.Free
}
