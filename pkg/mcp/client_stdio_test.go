package mcp

import (
	"context"
	"os"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/tools"
)

const mcpStdioHelperEnv = "WATT_MCP_STDIO_HELPER"

// TestHelperOrderServer is not a test: the stdio tests re-exec the test
// binary with the helper variable set to run it as an MCP server.
func TestHelperOrderServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}

	server := mcpserver.NewMCPServer("orders", "1.0.0")
	server.AddTool(
		mcpgo.NewTool("lookup_order",
			mcpgo.WithDescription("Look up an order by id"),
			mcpgo.WithString("order_id", mcpgo.Required()),
		),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			id := req.GetString("order_id", "")
			if id == "404" {
				return mcpgo.NewToolResultError("order 404 not found"), nil
			}
			return mcpgo.NewToolResultText("order " + id + " shipped"), nil
		},
	)

	if err := mcpserver.ServeStdio(server); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestStdioServerThroughAdapter(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	client, err := Connect(config.MCPServerConfig{
		Transport:      "stdio",
		Command:        exe,
		Args:           []string{"-test.run=^TestHelperOrderServer$"},
		Env:            map[string]string{mcpStdioHelperEnv: "1"},
		TimeoutSeconds: 10,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	adapter := NewAdapter()
	defs, err := adapter.AddServer(ctx, "orders", client, 5*time.Second)
	if err != nil {
		t.Fatalf("add server: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "lookup_order" || defs[0].Type != tools.TypeMCP {
		t.Fatalf("expected lookup_order mcp tool, got %+v", defs)
	}
	if defs[0].Timeout != 5*time.Second {
		t.Errorf("expected server timeout on the tool, got %v", defs[0].Timeout)
	}
	if !adapter.HealthCheck(ctx) {
		t.Errorf("expected healthy server")
	}

	tests := []struct {
		name    string
		input   map[string]any
		success bool
		text    string
		err     string
	}{
		{"shipped", map[string]any{"order_id": "42"}, true, "order 42 shipped", ""},
		{"tool error", map[string]any{"order_id": "404"}, false, "", "order 404 not found"},
		{"missing required", map[string]any{}, false, "", `missing required field "order_id"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := adapter.Execute(ctx, tools.Request{CallID: "c1", ToolName: "lookup_order", Input: tt.input})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if res.Success != tt.success {
				t.Fatalf("expected success %v, got %+v", tt.success, res)
			}
			if tt.success && res.Output["text"] != tt.text {
				t.Errorf("expected text %q, got %v", tt.text, res.Output["text"])
			}
			if res.Error != tt.err {
				t.Errorf("expected error %q, got %q", tt.err, res.Error)
			}
		})
	}
}
