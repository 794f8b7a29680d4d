package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/watt/pkg/tools"
)

// ToolCaller abstracts MCP tool execution for the adapter.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
}

type binding struct {
	server string
	tool   mcp.Tool
	caller ToolCaller
}

// Adapter serves tools of type "mcp". Each tool name is bound to the server
// that advertised it.
type Adapter struct {
	mu       sync.RWMutex
	bindings map[string]binding
	servers  map[string]ToolCaller
}

// NewAdapter creates an adapter with no servers.
func NewAdapter() *Adapter {
	return &Adapter{
		bindings: make(map[string]binding),
		servers:  make(map[string]ToolCaller),
	}
}

// AddServer lists the tools of caller and binds them. It returns the tool
// definitions ready for a tools.Registry. A tool name already bound to
// another server is rejected.
func (a *Adapter) AddServer(ctx context.Context, server string, caller ToolCaller, timeout time.Duration) ([]tools.Tool, error) {
	if caller == nil {
		return nil, fmt.Errorf("mcp: server %q has no client", server)
	}
	list, err := caller.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools on %q: %w", server, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]tools.Tool, 0, len(list))
	for _, t := range list {
		if t.Name == "" {
			continue
		}
		if b, ok := a.bindings[t.Name]; ok && b.server != server {
			return nil, fmt.Errorf("mcp: tool %q is provided by both %q and %q", t.Name, b.server, server)
		}
		a.bindings[t.Name] = binding{server: server, tool: t, caller: caller}
		out = append(out, tools.Tool{
			Name:        t.Name,
			Type:        tools.TypeMCP,
			Description: t.Description,
			Timeout:     timeout,
			Parameters:  schemaMap(t),
		})
	}
	a.servers[server] = caller
	return out, nil
}

// ValidateInput implements tools.Adapter. Required fields are checked in
// Execute, where the tool name is known.
func (a *Adapter) ValidateInput(_ context.Context, input map[string]any) bool {
	return input != nil
}

// Execute implements tools.Adapter.
func (a *Adapter) Execute(ctx context.Context, req tools.Request) (tools.Result, error) {
	a.mu.RLock()
	b, ok := a.bindings[req.ToolName]
	a.mu.RUnlock()
	if !ok {
		return tools.Result{}, fmt.Errorf("mcp: tool %q is not bound to any server", req.ToolName)
	}

	for _, key := range b.tool.InputSchema.Required {
		if _, ok := req.Input[key]; !ok {
			return tools.Result{Error: fmt.Sprintf("missing required field %q", key)}, nil
		}
	}

	result, err := b.caller.CallTool(ctx, b.tool.Name, req.Input)
	if err != nil {
		return tools.Result{}, err
	}
	return toResult(result), nil
}

// HealthCheck pings every server.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.servers {
		if err := c.Ping(ctx); err != nil {
			return false
		}
	}
	return true
}

func schemaMap(t mcp.Tool) map[string]any {
	var raw []byte
	if t.RawInputSchema != nil {
		raw = t.RawInputSchema
	} else {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
		raw = b
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toResult(result *mcp.CallToolResult) tools.Result {
	if result == nil {
		return tools.Result{Error: "mcp tool returned no result"}
	}
	text := extractTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "mcp tool returned an error"
		}
		return tools.Result{Error: text}
	}

	out := map[string]any{}
	switch sc := result.StructuredContent.(type) {
	case nil:
	case map[string]any:
		out = sc
	default:
		out["result"] = sc
	}
	if text != "" {
		if _, exists := out["text"]; !exists {
			out["text"] = text
		}
	}
	return tools.Result{Success: true, Output: out}
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ tools.Adapter = (*Adapter)(nil)
