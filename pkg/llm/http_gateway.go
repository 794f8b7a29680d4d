package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/resilience"
)

// HTTPGateway talks to an OpenAI-compatible chat completions endpoint.
// Most hosted gateways and local servers (vLLM, Ollama's /v1, LiteLLM) speak it.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPGatewayOption configures the gateway.
type HTTPGatewayOption func(*HTTPGateway)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) HTTPGatewayOption {
	return func(g *HTTPGateway) { g.apiKey = key }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.client = c
		}
	}
}

// NewHTTPGateway creates a gateway rooted at baseURL (e.g. https://host/v1).
func NewHTTPGateway(baseURL string, opts ...HTTPGatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type completionRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Tools         []Tool         `json:"tools,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type streamToolDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type completionChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string            `json:"content"`
			ToolCalls []streamToolDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Chat implements Provider.
func (g *HTTPGateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := g.post(ctx, completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.New(errors.CodeLLMError, "decode completion response", err).WithRecoverable(true)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New(errors.CodeLLMError, "completion response has no choices", nil).WithRecoverable(true)
	}
	choice := out.Choices[0]
	usage := out.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		Usage:        usage,
		FinishReason: choice.FinishReason,
		Model:        firstNonEmpty(out.Model, req.Model),
	}, nil
}

// ChatStream implements StreamingProvider over server-sent events.
func (g *HTTPGateway) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := g.post(ctx, completionRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Tools:         req.Tools,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 64)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		g.readStream(ctx, resp.Body, req.Model, chunks)
	}()
	return chunks, nil
}

func (g *HTTPGateway) readStream(ctx context.Context, body io.Reader, model string, chunks chan<- StreamChunk) {
	var (
		usage        *Usage
		finishReason string
		calls        = map[int]*ToolCall{}
	)
	send := func(c StreamChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	finish := func() {
		send(StreamChunk{
			Done:         true,
			FinishReason: finishReason,
			ToolCalls:    orderedCalls(calls),
			Usage:        usage,
			Model:        model,
		})
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			finish()
			return
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			if u.TotalTokens == 0 {
				u.TotalTokens = u.PromptTokens + u.CompletionTokens
			}
			usage = &u
		}
		for _, choice := range chunk.Choices {
			for _, d := range choice.Delta.ToolCalls {
				tc, ok := calls[d.Index]
				if !ok {
					tc = &ToolCall{Type: ToolTypeFunction}
					calls[d.Index] = tc
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				if d.Function.Name != "" {
					tc.Function.Name = d.Function.Name
				}
				tc.Function.Arguments += d.Function.Arguments
			}
			if choice.FinishReason != nil {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				if !send(StreamChunk{Content: choice.Delta.Content, Model: model}) {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		send(StreamChunk{Error: errors.New(errors.CodeLLMError, "read completion stream", err).WithRecoverable(true)})
		return
	}
	if finishReason != "" {
		finish()
		return
	}
	send(StreamChunk{Error: errors.New(errors.CodeLLMError, "completion stream ended early", ErrStreamIncomplete).WithRecoverable(true)})
}

func orderedCalls(calls map[int]*ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *calls[i])
	}
	return out
}

// Gateways that attribute spend read these headers.
const (
	RunIDHeader    = "X-Watt-Run-ID"
	TenantIDHeader = "X-Watt-Tenant-ID"
)

func (g *HTTPGateway) post(ctx context.Context, payload completionRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "marshal completion request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.CodeLLMError, "create completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if id, ok := core.RunID(ctx); ok {
		httpReq.Header.Set(RunIDHeader, id)
	}
	if id, ok := core.TenantID(ctx); ok {
		httpReq.Header.Set(TenantIDHeader, id)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.CodeCancelled, "completion request cancelled", ctx.Err())
		}
		return nil, errors.New(errors.CodeLLMError, "completion request failed", err).WithRecoverable(true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		we := errors.New(errors.CodeLLMError,
			fmt.Sprintf("gateway returned status %d", resp.StatusCode), fmt.Errorf("%s", strings.TrimSpace(string(snippet)))).
			WithContext("status", resp.StatusCode).
			WithRecoverable(retryable)
		if wait, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok && retryable {
			we = we.WithAttribute(resilience.RetryAfterAttribute, wait.String())
		}
		return nil, we
	}
	return resp, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ StreamingProvider = (*HTTPGateway)(nil)
