// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agents holds agent definitions: who the agent is, which model it
// talks to, which tools it may call and under which policy.
package agents

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/memory"
	"github.com/jllopis/watt/pkg/tools"
)

// Persona shapes the system prompt of an agent.
type Persona struct {
	Name        string   `yaml:"name" json:"name,omitempty"`
	Tone        string   `yaml:"tone" json:"tone,omitempty"`
	Goal        string   `yaml:"goal" json:"goal,omitempty"`
	Style       string   `yaml:"style" json:"style,omitempty"`
	Constraints []string `yaml:"constraints" json:"constraints,omitempty"`
	Examples    []string `yaml:"examples" json:"examples,omitempty"`
}

// LLMSettings selects the model an agent talks to. Empty fields fall back to
// the llm configuration section.
type LLMSettings struct {
	Provider         string  `yaml:"provider" json:"provider,omitempty"`
	Model            string  `yaml:"model" json:"model,omitempty"`
	FallbackProvider string  `yaml:"fallback_provider" json:"fallback_provider,omitempty"`
	FallbackModel    string  `yaml:"fallback_model" json:"fallback_model,omitempty"`
	Temperature      float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Stream           *bool   `yaml:"stream" json:"stream,omitempty"`
}

// HasFallback reports whether a fallback model is configured.
func (s LLMSettings) HasFallback() bool {
	return s.FallbackProvider != "" || s.FallbackModel != ""
}

// MemorySettings overrides the memory configuration section per agent.
type MemorySettings struct {
	MaxTokens            int `yaml:"max_tokens" json:"max_tokens,omitempty"`
	CompressionThreshold int `yaml:"compression_threshold" json:"compression_threshold,omitempty"`
	KeepRecent           int `yaml:"keep_recent" json:"keep_recent,omitempty"`
}

// Apply overlays the non-zero settings on base.
func (s MemorySettings) Apply(base memory.Config) memory.Config {
	if s.MaxTokens > 0 {
		base.MaxTokens = s.MaxTokens
	}
	if s.CompressionThreshold > 0 {
		base.CompressionThreshold = s.CompressionThreshold
	}
	if s.KeepRecent > 0 {
		base.KeepRecent = s.KeepRecent
	}
	return base
}

// KPISettings tunes KPI aggregation for an agent.
type KPISettings struct {
	EscalationTool string             `yaml:"escalation_tool" json:"escalation_tool,omitempty"`
	Targets        map[string]float64 `yaml:"targets" json:"targets,omitempty"`
}

// Definition is the static configuration of one agent.
type Definition struct {
	ID            string                `yaml:"id" json:"id"`
	TenantID      string                `yaml:"tenant_id" json:"tenant_id,omitempty"`
	Name          string                `yaml:"name" json:"name"`
	Role          string                `yaml:"role" json:"role,omitempty"`
	Description   string                `yaml:"description" json:"description,omitempty"`
	Persona       Persona               `yaml:"persona" json:"persona"`
	Tools         []tools.Tool          `yaml:"tools" json:"tools,omitempty"`
	Policy        governance.PolicySpec `yaml:"policy" json:"-"`
	LLM           LLMSettings           `yaml:"llm" json:"llm"`
	Memory        MemorySettings        `yaml:"memory" json:"memory"`
	MaxIterations int                   `yaml:"max_iterations" json:"max_iterations,omitempty"`
	KPI           KPISettings           `yaml:"kpi" json:"kpi"`
}

// Validate checks the fields every agent needs and fills derived defaults.
func (d *Definition) Validate() error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return errors.New(errors.CodeConfiguration, "agent id is required", nil)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.MaxIterations < 0 {
		return errors.Newf(errors.CodeConfiguration, "agent %q: max_iterations must not be negative", d.ID)
	}
	seen := make(map[string]bool, len(d.Tools))
	for _, t := range d.Tools {
		if t.Name == "" {
			return errors.Newf(errors.CodeConfiguration, "agent %q: tool without name", d.ID)
		}
		if seen[t.Name] {
			return errors.Newf(errors.CodeConfiguration, "agent %q: duplicate tool %q", d.ID, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ToolNames lists the tools the agent may call.
func (d Definition) ToolNames() []string {
	out := make([]string, len(d.Tools))
	for i, t := range d.Tools {
		out[i] = t.Name
	}
	return out
}

// Catalog resolves agent definitions.
type Catalog interface {
	Get(ctx context.Context, id string) (Definition, error)
	List(ctx context.Context) ([]Definition, error)
}

// NotFound is the error returned for unknown agents.
func NotFound(id string) error {
	return errors.Newf(errors.CodeConfiguration, "agent %q not found", id).WithContext("agent_id", id)
}

// MemoryCatalog is an in-process Catalog.
type MemoryCatalog struct {
	mu     sync.RWMutex
	agents map[string]Definition
}

// NewMemoryCatalog creates a catalog holding defs.
func NewMemoryCatalog(defs ...Definition) (*MemoryCatalog, error) {
	c := &MemoryCatalog{agents: make(map[string]Definition)}
	for _, d := range defs {
		if err := c.Put(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Put adds or replaces a definition.
func (c *MemoryCatalog) Put(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[d.ID] = d
	return nil
}

// Get implements Catalog.
func (c *MemoryCatalog) Get(_ context.Context, id string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.agents[id]
	if !ok {
		return Definition{}, NotFound(id)
	}
	return d, nil
}

// List implements Catalog. Definitions are sorted by id.
func (c *MemoryCatalog) List(_ context.Context) ([]Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedDefinitions(c.agents), nil
}

func sortedDefinitions(m map[string]Definition) []Definition {
	out := make([]Definition, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
