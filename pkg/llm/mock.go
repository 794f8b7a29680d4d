package llm

import (
	"context"
	"sync"

	"github.com/jllopis/watt/pkg/errors"
)

// MockProvider answers with a fixed response. It is used by the "mock"
// provider setting and by tests that do not need a scripted conversation.
type MockProvider struct {
	Response string
	Err      error
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	mu       sync.Mutex
	requests []ChatRequest
}

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{
		Content:      m.Response,
		FinishReason: "stop",
		Model:        req.Model,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// ChatStream streams the Chat answer word by word.
func (m *MockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return StreamResponse(resp), nil
}

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// FailingMockProvider always fails.
type FailingMockProvider struct {
	Err error
}

// Chat implements Provider.
func (f *FailingMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if f.Err == nil {
		return nil, errors.New(errors.CodeLLMError, "mock provider failure", nil)
	}
	return nil, f.Err
}
