// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools defines the single adapter contract every tool backend
// implements, the registry that maps tool types to adapters, and the
// executor that runs a call under a deadline.
package tools

import (
	"context"
	"time"

	"github.com/jllopis/watt/pkg/llm"
)

// Type selects the adapter that serves a tool.
type Type string

const (
	TypeHTTP      Type = "http"
	TypeRetrieval Type = "retrieval"
	TypeMessaging Type = "messaging"
	TypeCode      Type = "code"
	TypeMCP       Type = "mcp"
)

// Tool is the static description of a tool an agent may call.
type Tool struct {
	Name             string         `yaml:"name" json:"name"`
	Type             Type           `yaml:"type" json:"type"`
	Description      string         `yaml:"description" json:"description,omitempty"`
	Timeout          time.Duration  `yaml:"timeout" json:"timeout,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval" json:"requires_approval,omitempty"`
	Parameters       map[string]any `yaml:"parameters" json:"parameters,omitempty"`
}

// Definition converts the tool into the function definition sent to the model.
func (t Tool) Definition() llm.Tool {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

// Request is a single tool invocation.
type Request struct {
	CallID   string
	ToolName string
	Input    map[string]any
	RunID    string
	AgentID  string
	TenantID string
}

// Result is the outcome of a tool invocation. A failed call is still a
// Result; Error carries the reason.
type Result struct {
	Success       bool
	Output        map[string]any
	Error         string
	ExecutionTime time.Duration
	TimedOut      bool
}

// Adapter executes tools of one type.
type Adapter interface {
	Execute(ctx context.Context, req Request) (Result, error)
	ValidateInput(ctx context.Context, input map[string]any) bool
	HealthCheck(ctx context.Context) bool
}

// MissingRequired returns the names listed under "required" in a JSON schema
// that are absent from input.
func MissingRequired(schema map[string]any, input map[string]any) []string {
	var missing []string
	switch req := schema["required"].(type) {
	case []string:
		for _, k := range req {
			if _, ok := input[k]; !ok {
				missing = append(missing, k)
			}
		}
	case []any:
		for _, v := range req {
			k, _ := v.(string)
			if _, ok := input[k]; k != "" && !ok {
				missing = append(missing, k)
			}
		}
	}
	return missing
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func intArg(input map[string]any, key string) (int, bool) {
	switch v := input[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}
