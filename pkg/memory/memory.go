// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory keeps the bounded conversation context of a run. Old
// messages are folded into a summary once the estimated token count crosses
// the compression threshold; long-term facts survive every compression.
package memory

import (
	"regexp"
	"sort"

	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/core"
)

const (
	DefaultMaxTokens            = 4000
	DefaultCompressionThreshold = 3000
	DefaultKeepRecent           = 10
	DefaultSummaryTokens        = 64
)

// FactNames is the long-term fact key holding person names seen in the
// conversation.
const FactNames = "names"

// Context is the memory view handed to the engine.
type Context struct {
	History           []core.Message `json:"history"`
	CompressedHistory string         `json:"compressed_history,omitempty"`
	LongTermFacts     map[string]any `json:"long_term_facts"`
	TokenCount        int            `json:"token_count"`
	MaxTokens         int            `json:"max_tokens"`
}

// Config bounds a Manager.
type Config struct {
	MaxTokens            int
	CompressionThreshold int
	KeepRecent           int
	SummaryTokens        int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxTokens:            DefaultMaxTokens,
		CompressionThreshold: DefaultCompressionThreshold,
		KeepRecent:           DefaultKeepRecent,
		SummaryTokens:        DefaultSummaryTokens,
	}
}

// FromConfig maps the memory configuration section, filling zero values
// with defaults.
func FromConfig(c config.MemoryConfig) Config {
	out := DefaultConfig()
	if c.MaxTokens > 0 {
		out.MaxTokens = c.MaxTokens
	}
	if c.CompressionThreshold > 0 {
		out.CompressionThreshold = c.CompressionThreshold
	}
	if c.KeepRecent > 0 {
		out.KeepRecent = c.KeepRecent
	}
	if c.SummaryTokens > 0 {
		out.SummaryTokens = c.SummaryTokens
	}
	return out
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = d.CompressionThreshold
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.SummaryTokens <= 0 {
		c.SummaryTokens = d.SummaryTokens
	}
	// The summary alone must fit below the threshold.
	if c.SummaryTokens >= c.CompressionThreshold {
		c.SummaryTokens = c.CompressionThreshold / 2
	}
	return c
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func messageTokens(msgs []core.Message) int {
	n := 0
	for _, m := range msgs {
		n += EstimateTokens(m.Content)
	}
	return n
}

var namePattern = regexp.MustCompile(`\b([A-Z][a-z]+ [A-Z][a-z]+)\b`)

// ExtractNames returns the capitalised name pairs found in user and
// assistant messages, deduplicated in order of appearance.
func ExtractNames(msgs []core.Message) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range msgs {
		if m.Role != core.RoleUser && m.Role != core.RoleAssistant {
			continue
		}
		for _, name := range namePattern.FindAllString(m.Content, -1) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

func mergeNames(facts map[string]any, names []string) {
	if len(names) == 0 {
		return
	}
	var existing []string
	switch v := facts[FactNames].(type) {
	case []string:
		existing = v
	case []any:
		// Restored from JSON.
		for _, x := range v {
			if s, ok := x.(string); ok {
				existing = append(existing, s)
			}
		}
	}
	seen := make(map[string]bool, len(existing))
	for _, n := range existing {
		seen[n] = true
	}
	merged := append([]string(nil), existing...)
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			merged = append(merged, n)
		}
	}
	facts[FactNames] = merged
}

// FactKeys returns the fact keys in sorted order.
func (c Context) FactKeys() []string {
	keys := make([]string, 0, len(c.LongTermFacts))
	for k := range c.LongTermFacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
