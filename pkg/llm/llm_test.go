package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/resilience"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("expected 'Hello world', got '%s'", resp.Content)
	}
	if resp.Model != "gpt-4" {
		t.Errorf("expected model echoed, got %q", resp.Model)
	}
	if len(mock.Requests()) != 1 {
		t.Errorf("expected request to be recorded")
	}
}

func TestMockProviderStreamCollect(t *testing.T) {
	mock := &MockProvider{Response: "one two three"}
	chunks, err := mock.ChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	var deltas []string
	resp, err := Collect(context.Background(), chunks, func(s string) { deltas = append(deltas, s) })
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if resp.Content != "one two three" {
		t.Errorf("expected reassembled content, got %q", resp.Content)
	}
	if len(deltas) != 3 {
		t.Errorf("expected 3 deltas, got %d", len(deltas))
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("expected usage from final chunk, got %+v", resp.Usage)
	}
}

func TestCollectIncompleteStream(t *testing.T) {
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: "partial"}
	close(ch)
	if _, err := Collect(context.Background(), ch, nil); err != ErrStreamIncomplete {
		t.Errorf("expected ErrStreamIncomplete, got %v", err)
	}
}

func TestHTTPGatewayChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get(RunIDHeader) != "run-1" || r.Header.Get(TenantIDHeader) != "acme" {
			t.Errorf("expected run and tenant headers, got %v", r.Header)
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4" || len(req.Messages) != 1 {
			t.Errorf("unexpected request %+v", req)
		}
		fmt.Fprint(w, `{
			"model": "gpt-4-0613",
			"choices": [{
				"message": {"role": "assistant", "content": "", "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "lookup_order", "arguments": "{\"order_id\":\"42\"}"}}
				]},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8}
		}`)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL+"/v1/", WithAPIKey("secret"))
	ctx := core.WithTenantID(core.WithRunID(context.Background(), "run-1"), "acme")
	resp, err := gw.Chat(ctx, ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: RoleUser, Content: "where is my order?"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Model != "gpt-4-0613" {
		t.Errorf("expected served model, got %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("expected total tokens derived, got %d", resp.Usage.TotalTokens)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "lookup_order" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
}

func TestHTTPGatewayStatusErrors(t *testing.T) {
	tests := []struct {
		status      int
		recoverable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPGateway(srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
			we := errors.AsWattError(err)
			if we == nil || we.Code != errors.CodeLLMError {
				t.Fatalf("expected LLM_ERROR, got %v", err)
			}
			if we.Recoverable != tt.recoverable {
				t.Errorf("expected recoverable=%v for %d", tt.recoverable, tt.status)
			}
		})
	}
}

func TestHTTPGatewayStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected streaming request with usage, got %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"model":"gpt-4o","choices":[{"delta":{"content":"Let me "}}]}`,
			`{"choices":[{"delta":{"content":"check."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"lookup_order","arguments":"{\"order"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"_id\":\"42\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":30,"completion_tokens":5,"total_tokens":35}}`,
			`[DONE]`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	defer srv.Close()

	chunks, err := NewHTTPGateway(srv.URL).ChatStream(context.Background(), ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	resp, err := Collect(context.Background(), chunks, nil)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if resp.Content != "Let me check." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("unexpected finish reason %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 35 {
		t.Errorf("expected usage 35, got %d", resp.Usage.TotalTokens)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one accumulated tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Function.Arguments != `{"order_id":"42"}` {
		t.Errorf("arguments not accumulated: %q", resp.ToolCalls[0].Function.Arguments)
	}
}

func TestHTTPGatewayStreamEndsEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"half\"}}]}\n\n")
	}))
	defer srv.Close()

	chunks, err := NewHTTPGateway(srv.URL).ChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if _, err := Collect(context.Background(), chunks, nil); !errors.IsCode(err, errors.CodeLLMError) {
		t.Errorf("expected LLM_ERROR for truncated stream, got %v", err)
	}
}

func TestToCoreToolCalls(t *testing.T) {
	calls := ToCoreToolCalls([]ToolCall{
		{ID: "call_1", Function: FunctionCall{Name: "a", Arguments: `{"x":1}`}},
		{Function: FunctionCall{Name: "b", Arguments: "not json"}},
		{ID: "call_3", Function: FunctionCall{Name: "c"}},
	})
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	if calls[0].Input["x"] != float64(1) {
		t.Errorf("expected decoded input, got %v", calls[0].Input)
	}
	if !strings.HasPrefix(calls[1].ID, "call_") {
		t.Errorf("expected generated id, got %q", calls[1].ID)
	}
	if calls[1].Input[RawArgumentsKey] != "not json" {
		t.Errorf("expected raw arguments preserved, got %v", calls[1].Input)
	}
	if calls[2].Input == nil || len(calls[2].Input) != 0 {
		t.Errorf("expected empty input map, got %v", calls[2].Input)
	}

	back := FromCoreToolCall(calls[1])
	if back.Function.Arguments != "not json" {
		t.Errorf("expected raw arguments restored, got %q", back.Function.Arguments)
	}
}

func TestFromCoreMessages(t *testing.T) {
	msgs := FromCoreMessages([]core.Message{
		{Role: core.RoleUser, Content: "hi"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "c1", ToolName: "t", Input: map[string]any{"k": "v"}}}},
		{Role: core.RoleTool, Content: `{"ok":true}`, ToolCallID: "c1"},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].ToolCalls[0].Function.Arguments != `{"k":"v"}` {
		t.Errorf("unexpected arguments %q", msgs[1].ToolCalls[0].Function.Arguments)
	}
	if msgs[2].Role != RoleTool || msgs[2].ToolCallID != "c1" {
		t.Errorf("unexpected tool message %+v", msgs[2])
	}
}

func fastRouter() *Router {
	return NewRouter(
		WithRetry(resilience.DefaultRetryConfig().WithInitialDelay(time.Millisecond)),
		WithBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour}),
	)
}

func TestRouterFallback(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := &MockProvider{ChatFunc: func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
		primaryCalls.Add(1)
		return nil, errors.New(errors.CodeLLMError, "overloaded", nil).WithRecoverable(true)
	}}
	backup := &MockProvider{Response: "from backup"}

	r := fastRouter()
	r.Register("primary", primary)
	r.Register("backup", backup)

	route, err := r.Route(Target{Model: "gpt-4"}, Target{Provider: "backup", Model: "gpt-3.5-turbo"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	resp, err := route.Chat(context.Background(), ChatRequest{Model: "ignored"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "from backup" || resp.Model != "gpt-3.5-turbo" || resp.Provider != "backup" {
		t.Errorf("expected backup answer, got %+v", resp)
	}
	if primaryCalls.Load() != 3 {
		t.Errorf("expected primary retried 3 times, got %d", primaryCalls.Load())
	}
	if got := primary.Requests()[0].Model; got != "gpt-4" {
		t.Errorf("expected primary model gpt-4, got %q", got)
	}
}

func TestRouterNoFallbackOnInvalidInput(t *testing.T) {
	primary := &FailingMockProvider{Err: errors.New(errors.CodeInvalidInput, "bad request", nil)}
	backup := &MockProvider{Response: "unused"}

	r := fastRouter()
	r.Register("primary", primary)
	r.Register("backup", backup)

	route, _ := r.Route(Target{Provider: "primary"}, Target{Provider: "backup"})
	if _, err := route.Chat(context.Background(), ChatRequest{}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
	if len(backup.Requests()) != 0 {
		t.Errorf("backup should not be called")
	}
}

func TestRouterUnknownProvider(t *testing.T) {
	r := fastRouter()
	r.Register("primary", &MockProvider{})
	if _, err := r.Route(Target{Provider: "nope"}); !errors.IsCode(err, errors.CodeConfiguration) {
		t.Errorf("expected CONFIGURATION, got %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "primary" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestRouterBreakerOpens(t *testing.T) {
	failing := &FailingMockProvider{}
	r := NewRouter(
		WithRetry(resilience.DefaultRetryConfig().WithMaxAttempts(1)),
		WithBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour}),
	)
	r.Register("flaky", failing)
	route, _ := r.Route(Target{})

	for i := 0; i < 2; i++ {
		_, _ = route.Chat(context.Background(), ChatRequest{})
	}
	_, err := route.Chat(context.Background(), ChatRequest{})
	if err == nil || !strings.Contains(err.Error(), resilience.ErrCircuitOpen.Error()) {
		t.Errorf("expected open circuit, got %v", err)
	}
}

func TestRouteStreamFallsBackToChat(t *testing.T) {
	primary := &MockProvider{Err: errors.New(errors.CodeLLMError, "down", nil)}
	backup := &MockProvider{Response: "steady answer"}

	r := fastRouter()
	r.Register("primary", primary)
	r.Register("backup", backup)
	route, _ := r.Route(Target{Provider: "primary"}, Target{Provider: "backup"})

	chunks, err := route.ChatStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	resp, err := Collect(context.Background(), chunks, nil)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if resp.Content != "steady answer" {
		t.Errorf("expected backup content, got %q", resp.Content)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{"", 0, false},
		{"3", 3 * time.Second, true},
		{now.Add(2 * time.Second).Format(http.TimeFormat), 2 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"later", 0, false},
	}
	for _, tt := range tests {
		got, ok := retryAfter(tt.value, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("%q: expected %v %v, got %v %v", tt.value, tt.want, tt.ok, got, ok)
		}
	}
}

func TestHTTPGatewayThrottleCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL)
	_, err := gw.Chat(context.Background(), ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if !errors.IsCode(err, errors.CodeLLMError) {
		t.Fatalf("expected LLM_ERROR, got %v", err)
	}
	if wait, ok := resilience.RetryAfter(err); !ok || wait != 2*time.Second {
		t.Errorf("expected a 2s retry hint, got %v %v", wait, ok)
	}
}
