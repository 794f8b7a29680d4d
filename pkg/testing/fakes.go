package testing

import (
	"context"
	"sync"

	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/tools"
)

// AdapterFunc handles one call of a FakeAdapter.
type AdapterFunc func(ctx context.Context, req tools.Request) (tools.Result, error)

// FakeAdapter is a tools.Adapter that records calls and delegates to a
// handler.
type FakeAdapter struct {
	mu      sync.Mutex
	calls   []tools.Request
	handler AdapterFunc
	healthy bool
	release chan struct{}
}

// NewFakeAdapter creates a healthy adapter. A nil handler succeeds with an
// empty output.
func NewFakeAdapter(handler AdapterFunc) *FakeAdapter {
	if handler == nil {
		handler = StaticOutput(nil)
	}
	return &FakeAdapter{handler: handler, healthy: true}
}

// StaticOutput answers every call with out.
func StaticOutput(out map[string]any) AdapterFunc {
	return func(context.Context, tools.Request) (tools.Result, error) {
		if out == nil {
			out = map[string]any{}
		}
		return tools.Result{Success: true, Output: out}, nil
	}
}

// FailWith answers every call with a failed result.
func FailWith(msg string) AdapterFunc {
	return func(context.Context, tools.Request) (tools.Result, error) {
		return tools.Result{Error: msg}, nil
	}
}

// NewBlockingAdapter never answers until Release is called. The context is
// ignored on purpose: the executor's deadline race must not depend on it.
func NewBlockingAdapter() *FakeAdapter {
	a := &FakeAdapter{healthy: true, release: make(chan struct{})}
	a.handler = func(context.Context, tools.Request) (tools.Result, error) {
		<-a.release
		return tools.Result{Success: true, Output: map[string]any{}}, nil
	}
	return a
}

// Release unblocks a blocking adapter.
func (a *FakeAdapter) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.release != nil {
		close(a.release)
		a.release = nil
	}
}

// SetHealthy changes what HealthCheck reports.
func (a *FakeAdapter) SetHealthy(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = v
}

// Execute implements tools.Adapter.
func (a *FakeAdapter) Execute(ctx context.Context, req tools.Request) (tools.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	h := a.handler
	a.mu.Unlock()
	return h(ctx, req)
}

// ValidateInput implements tools.Adapter.
func (a *FakeAdapter) ValidateInput(_ context.Context, input map[string]any) bool {
	return input != nil
}

// HealthCheck implements tools.Adapter.
func (a *FakeAdapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}

// Calls returns the requests received so far.
func (a *FakeAdapter) Calls() []tools.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]tools.Request(nil), a.calls...)
}

// CallCount returns how many calls reached the adapter.
func (a *FakeAdapter) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

var _ tools.Adapter = (*FakeAdapter)(nil)

// RecordingNotifier keeps every approval request it is told about.
type RecordingNotifier struct {
	mu      sync.Mutex
	records []governance.ApprovalRecord
	Err     error
}

// Notify implements governance.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, rec governance.ApprovalRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
	return n.Err
}

// Records returns the notified approvals in order.
func (n *RecordingNotifier) Records() []governance.ApprovalRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]governance.ApprovalRecord(nil), n.records...)
}
