// Package llm defines the model gateway contract consumed by the engine and
// ships an OpenAI-compatible HTTP client plus a resilience wrapper.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Role is the author of a message in the chat completions format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolType is always "function" in the chat completions format.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
)

// FunctionDef describes a callable tool; Parameters is a JSON Schema object.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// Tool is offered to the model with every request of a run.
type Tool struct {
	Type     ToolType    `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionCall carries the model's arguments as a raw JSON string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is the model asking to run one tool. ID pairs it with the tool
// message that answers it.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     ToolType     `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one entry of the conversation sent to the gateway.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is one model call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a complete answer. Tool calls and content may both be set.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
	// Model is the model that actually answered, which differs from the
	// requested one after a fallback.
	Model string `json:"model,omitempty"`
	// Provider is the registered provider name, set by Route.
	Provider string `json:"provider,omitempty"`
}

// Usage is the token count the gateway reports for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is the model gateway.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// StreamChunk is one increment of a streamed response. The last chunk has
// Done set and carries the finish reason, the complete tool calls and usage.
type StreamChunk struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Model        string     `json:"model,omitempty"`
	Done         bool       `json:"done,omitempty"`
	Error        error      `json:"-"`
}

// StreamingProvider is a gateway that can also stream.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// ErrStreamIncomplete is returned when a stream closes without a final chunk.
var ErrStreamIncomplete = errors.New("llm: stream closed before finish")

// Collect drains a stream into a ChatResponse. onDelta, if set, receives every
// content increment as it arrives.
func Collect(ctx context.Context, chunks <-chan StreamChunk, onDelta func(string)) (*ChatResponse, error) {
	var (
		content strings.Builder
		resp    ChatResponse
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil, ErrStreamIncomplete
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			if chunk.Content != "" {
				content.WriteString(chunk.Content)
				if onDelta != nil {
					onDelta(chunk.Content)
				}
			}
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			if chunk.Done {
				resp.Content = content.String()
				resp.ToolCalls = chunk.ToolCalls
				resp.FinishReason = chunk.FinishReason
				if chunk.Usage != nil {
					resp.Usage = *chunk.Usage
				}
				return &resp, nil
			}
		}
	}
}

// StreamResponse replays a complete answer as a stream, one word per chunk,
// for gateways and fakes without native streaming.
func StreamResponse(resp *ChatResponse) <-chan StreamChunk {
	words := strings.SplitAfter(resp.Content, " ")
	ch := make(chan StreamChunk, len(words)+1)
	for _, w := range words {
		if w != "" {
			ch <- StreamChunk{Content: w, Model: resp.Model}
		}
	}
	usage := resp.Usage
	ch <- StreamChunk{
		Done:         true,
		ToolCalls:    resp.ToolCalls,
		Usage:        &usage,
		FinishReason: resp.FinishReason,
		Model:        resp.Model,
	}
	close(ch)
	return ch
}
