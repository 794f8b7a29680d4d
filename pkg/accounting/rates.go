// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package accounting prices model calls, records usage and aggregates
// agent KPIs over stored runs.
package accounting

import (
	"sort"

	"github.com/jllopis/watt/pkg/config"
)

// Rate is a per-1K-token price in USD.
type Rate struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// DefaultRate applies to models missing from the table.
var DefaultRate = Rate{Prompt: 0.000002, Completion: 0.000004}

// DefaultModelRates is the built-in price list.
func DefaultModelRates() map[string]Rate {
	return map[string]Rate{
		"gpt-4":              {Prompt: 0.00003, Completion: 0.00006},
		"gpt-4-1106-preview": {Prompt: 0.00001, Completion: 0.00003},
		"gpt-3.5-turbo":      {Prompt: 0.000001, Completion: 0.000002},
		"gpt-4-turbo":        {Prompt: 0.00001, Completion: 0.00003},
		"gpt-4o":             {Prompt: 0.000005, Completion: 0.000015},
		"claude-3-opus":      {Prompt: 0.000015, Completion: 0.000075},
		"claude-3-sonnet":    {Prompt: 0.000003, Completion: 0.000015},
		"claude-3-haiku":     {Prompt: 0.00000025, Completion: 0.00000125},
		"gemini-pro":         {Prompt: 0.0000005, Completion: 0.0000015},
	}
}

// RateTable maps exact model names to rates. It is read-only once built.
type RateTable struct {
	fallback Rate
	models   map[string]Rate
}

// NewRateTable creates a table. A nil models map yields only the fallback.
func NewRateTable(fallback Rate, models map[string]Rate) *RateTable {
	t := &RateTable{fallback: fallback, models: make(map[string]Rate, len(models))}
	for k, v := range models {
		t.models[k] = v
	}
	return t
}

// DefaultRateTable returns the built-in table.
func DefaultRateTable() *RateTable {
	return NewRateTable(DefaultRate, DefaultModelRates())
}

// RateTableFromConfig starts from the built-in table and applies the
// configured default and per-model overrides.
func RateTableFromConfig(c config.AccountingConfig) *RateTable {
	fallback := DefaultRate
	if c.DefaultPromptRate > 0 || c.DefaultCompletionRate > 0 {
		fallback = Rate{Prompt: c.DefaultPromptRate, Completion: c.DefaultCompletionRate}
	}
	models := DefaultModelRates()
	for _, r := range c.Rates {
		if r.Model == "" {
			continue
		}
		models[r.Model] = Rate{Prompt: r.Prompt, Completion: r.Completion}
	}
	return NewRateTable(fallback, models)
}

// Lookup returns the rate for model, or the fallback.
func (t *RateTable) Lookup(model string) Rate {
	if r, ok := t.models[model]; ok {
		return r
	}
	return t.fallback
}

// Cost prices one call.
func (t *RateTable) Cost(model string, promptTokens, completionTokens int) float64 {
	r := t.Lookup(model)
	return (float64(promptTokens)*r.Prompt + float64(completionTokens)*r.Completion) / 1000
}

// Models returns the priced model names, sorted.
func (t *RateTable) Models() []string {
	out := make([]string, 0, len(t.models))
	for k := range t.models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
