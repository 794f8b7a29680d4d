// SPDX-License-Identifier: Apache-2.0
package core

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a run's conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolCall is an action proposed by the model gateway.
type ToolCall struct {
	ID               string         `json:"id"`
	ToolName         string         `json:"tool_name"`
	Input            map[string]any `json:"input"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// ToolCallResult is the single outcome recorded for a ToolCall.
type ToolCallResult struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"tool_name"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Approved   *bool          `json:"approved,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Succeeded reports whether the call produced output without error.
func (r ToolCallResult) Succeeded() bool {
	return r.Error == ""
}

// Clone returns a copy with independent maps.
func (r ToolCallResult) Clone() ToolCallResult {
	out := r
	out.Input = cloneMap(r.Input)
	out.Output = cloneMap(r.Output)
	if r.Approved != nil {
		v := *r.Approved
		out.Approved = &v
	}
	return out
}

// ToolMessageContent renders the result as the content of a tool-role message.
func (r ToolCallResult) ToolMessageContent() string {
	if r.Error != "" {
		payload, _ := json.Marshal(map[string]any{"error": r.Error})
		return string(payload)
	}
	payload, err := json.Marshal(r.Output)
	if err != nil {
		return "{}"
	}
	return string(payload)
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
