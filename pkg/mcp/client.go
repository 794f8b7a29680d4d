// Package mcp connects to Model Context Protocol servers and exposes their
// tools through the tools.Adapter contract, so custom code deployed behind an
// MCP server is callable like any other tool.
package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second

	clientName    = "watt"
	clientVersion = "0.1.0"
)

// ClientOption customizes the client wrapper.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retry count and initial backoff.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retry = c.retry.WithMaxAttempts(retries + 1)
		}
		if backoff > 0 {
			c.retry = c.retry.WithInitialDelay(backoff)
		}
	}
}

// WithToolCacheTTL sets the tool discovery cache TTL. Use 0 to disable caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client wraps an mcp-go client with timeouts, retries and a tool cache.
type Client struct {
	mcpClient client.MCPClient
	timeout   time.Duration
	retry     resilience.RetryConfig
	cacheTTL  time.Duration

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an already initialized MCP client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	wrapped := &Client{
		mcpClient: c,
		timeout:   defaultTimeout,
		retry: resilience.DefaultRetryConfig().
			WithMaxAttempts(defaultRetries + 1).
			WithInitialDelay(defaultBackoff).
			WithIsRecoverable(isRetryable),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(wrapped)
	}
	return wrapped
}

// NewClientWithStdio starts command and connects over stdio.
func NewClientWithStdio(command string, args []string, opts ...ClientOption) (*Client, error) {
	return NewClientWithStdioProtocol(command, args, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewClientWithStdioProtocol is NewClientWithStdio with an explicit protocol version.
func NewClientWithStdioProtocol(command string, args []string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	return newStdio(command, nil, args, protocolVersion, opts...)
}

func newStdio(command string, env, args []string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}
	return initialize(c, protocolVersion, opts...)
}

// NewClientWithStreamableHTTP connects to a streamable HTTP endpoint.
func NewClientWithStreamableHTTP(url string, opts ...ClientOption) (*Client, error) {
	return NewClientWithStreamableHTTPProtocol(url, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewClientWithStreamableHTTPProtocol is NewClientWithStreamableHTTP with an
// explicit protocol version.
func NewClientWithStreamableHTTPProtocol(url, protocolVersion string, opts ...ClientOption) (*Client, error) {
	return newStreamableHTTP(url, nil, protocolVersion, opts...)
}

func newStreamableHTTP(url string, headers map[string]string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	var topts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		topts = append(topts, transport.WithHTTPHeaders(headers))
	}
	c, err := client.NewStreamableHttpClient(url, topts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect %s: %w", url, err)
	}
	return initialize(c, protocolVersion, opts...)
}

func initialize(c *client.Client, protocolVersion string, opts ...ClientOption) (*Client, error) {
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp: start transport: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}
	return NewClient(c, opts...), nil
}

// Connect opens a client for a configured server.
func Connect(cfg config.MCPServerConfig) (*Client, error) {
	var opts []ClientOption
	if cfg.TimeoutSeconds > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	switch cfg.Transport {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, errors.New(errors.CodeConfiguration, "mcp stdio server requires a command", nil)
		}
		env := make([]string, 0, len(cfg.Env))
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+cfg.Env[k])
		}
		return newStdio(cfg.Command, env, cfg.Args, "", opts...)
	case "http", "streamable-http":
		if cfg.URL == "" {
			return nil, errors.New(errors.CodeConfiguration, "mcp http server requires a url", nil)
		}
		return newStreamableHTTP(cfg.URL, nil, "", opts...)
	default:
		return nil, errors.Newf(errors.CodeConfiguration, "unknown mcp transport %q", cfg.Transport)
	}
}

// ListTools retrieves the tools available on the server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	resp, err := resilience.Retry(ctx, c.retry, func(ctx context.Context) (*mcp.ListToolsResult, error) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(resp.Tools)
	return resp.Tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	return resilience.Retry(ctx, c.retry, func(ctx context.Context) (*mcp.CallToolResult, error) {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.CallTool(ctx, req)
	})
}

// Ping checks the server is alive.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.mcpClient.Ping(ctx)
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.mcpClient.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]mcp.Tool, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = make([]mcp.Tool, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// isRetryable retries transport failures but not deadlines or cancellation.
func isRetryable(err error) bool {
	return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
}
