package tools

import (
	"context"
	"fmt"
	"sync"
)

// CodeFunc is an in-process tool implementation.
type CodeFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

type codeEntry struct {
	fn     CodeFunc
	schema map[string]any
}

// CodeAdapter dispatches calls to Go functions registered by tool name.
type CodeAdapter struct {
	mu    sync.RWMutex
	funcs map[string]codeEntry
}

// NewCodeAdapter creates an empty code adapter.
func NewCodeAdapter() *CodeAdapter {
	return &CodeAdapter{funcs: make(map[string]codeEntry)}
}

// Register binds name to fn. schema, if set, is the JSON schema whose
// required fields are checked before fn runs.
func (a *CodeAdapter) Register(name string, fn CodeFunc, schema map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funcs[name] = codeEntry{fn: fn, schema: schema}
}

// ValidateInput implements Adapter. The input must be an object; required
// fields are checked per function in Execute, where the tool name is known.
func (a *CodeAdapter) ValidateInput(_ context.Context, input map[string]any) bool {
	return input != nil
}

// Execute implements Adapter.
func (a *CodeAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	a.mu.RLock()
	entry, ok := a.funcs[req.ToolName]
	a.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("no code function registered for %q", req.ToolName)
	}
	if missing := MissingRequired(entry.schema, req.Input); len(missing) > 0 {
		return Result{Error: fmt.Sprintf("missing required fields: %v", missing)}, nil
	}
	out, err := entry.fn(ctx, req.Input)
	if err != nil {
		return Result{}, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return Result{Success: true, Output: out}, nil
}

// HealthCheck implements Adapter.
func (a *CodeAdapter) HealthCheck(context.Context) bool {
	return true
}

var _ Adapter = (*CodeAdapter)(nil)
