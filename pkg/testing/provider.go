// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jllopis/watt/pkg/llm"
)

// DefaultUsage is reported for scripted responses that set none.
var DefaultUsage = llm.Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}

// ScenarioProvider is a model gateway that replays a script. It records
// every request and streams answers word by word.
type ScenarioProvider struct {
	mu        sync.Mutex
	script    []ScriptedResponse
	pos       int
	requests  []llm.ChatRequest
	exhausted error
}

// ScriptedResponse is one turn of the script.
type ScriptedResponse struct {
	Content   string
	ToolCalls []llm.ToolCall
	Error     error
	Usage     llm.Usage
	// Delay holds the answer back; the call still honours ctx.
	Delay time.Duration
	// Condition skips this response for requests it rejects.
	Condition func(req llm.ChatRequest) bool
}

// NewScenarioProvider creates an empty script.
func NewScenarioProvider() *ScenarioProvider {
	return &ScenarioProvider{}
}

// AddResponse queues a final answer.
func (p *ScenarioProvider) AddResponse(content string) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Content: content})
}

// AddToolCallResponse queues a turn that asks for tool calls.
func (p *ScenarioProvider) AddToolCallResponse(toolCalls ...llm.ToolCall) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{ToolCalls: toolCalls})
}

// AddErrorResponse queues a gateway failure.
func (p *ScenarioProvider) AddErrorResponse(err error) *ScenarioProvider {
	return p.AddScriptedResponse(ScriptedResponse{Error: err})
}

// AddScriptedResponse queues a fully configured turn.
func (p *ScenarioProvider) AddScriptedResponse(resp ScriptedResponse) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, resp)
	return p
}

// WithDefaultError sets the error returned once the script is exhausted.
func (p *ScenarioProvider) WithDefaultError(err error) *ScenarioProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exhausted = err
	return p
}

// Chat implements llm.Provider.
func (p *ScenarioProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	usage := resp.Usage
	if usage == (llm.Usage{}) {
		usage = DefaultUsage
	}
	finish := "stop"
	if len(resp.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &llm.ChatResponse{
		Content:      resp.Content,
		ToolCalls:    resp.ToolCalls,
		Usage:        usage,
		FinishReason: finish,
		Model:        req.Model,
	}, nil
}

func (p *ScenarioProvider) next(req llm.ChatRequest) (ScriptedResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	// Turns whose Condition rejects the request are consumed, not retried.
	for p.pos < len(p.script) {
		resp := p.script[p.pos]
		p.pos++
		if resp.Condition == nil || resp.Condition(req) {
			return resp, nil
		}
	}
	if p.exhausted != nil {
		return ScriptedResponse{}, p.exhausted
	}
	return ScriptedResponse{}, fmt.Errorf("script exhausted at gateway call %d", len(p.requests))
}

// ChatStream streams the scripted answer word by word.
func (p *ScenarioProvider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.StreamResponse(resp), nil
}

// Requests returns all captured requests.
func (p *ScenarioProvider) Requests() []llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.ChatRequest(nil), p.requests...)
}

// LastRequest returns the most recent request, or nil.
func (p *ScenarioProvider) LastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// CallCount returns the number of gateway calls made.
func (p *ScenarioProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Remaining returns how many scripted turns were not consumed.
func (p *ScenarioProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.script) - p.pos
}

// Reset rewinds the script and forgets the requests.
func (p *ScenarioProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = 0
	p.requests = nil
}

var _ llm.StreamingProvider = (*ScenarioProvider)(nil)

// ToolCallBuilder builds the tool calls a scripted turn asks for.
type ToolCallBuilder struct {
	id   string
	name string
	args map[string]any
}

// NewToolCall starts a call of the named tool. Without WithID the call id is
// "call_<name>".
func NewToolCall(name string) *ToolCallBuilder {
	return &ToolCallBuilder{name: name, args: make(map[string]any)}
}

func (b *ToolCallBuilder) WithID(id string) *ToolCallBuilder {
	b.id = id
	return b
}

func (b *ToolCallBuilder) WithArg(key string, value any) *ToolCallBuilder {
	b.args[key] = value
	return b
}

func (b *ToolCallBuilder) Build() llm.ToolCall {
	argsJSON, _ := json.Marshal(b.args)
	id := b.id
	if id == "" {
		id = "call_" + b.name
	}
	return llm.ToolCall{
		ID:   id,
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionCall{
			Name:      b.name,
			Arguments: string(argsJSON),
		},
	}
}
