package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAdapter struct {
	valid   bool
	delay   time.Duration
	block   chan struct{}
	result  Result
	err     error
	panics  bool
	badSpec bool
	calls   atomic.Int32
	sawDone atomic.Bool
}

func (f *fakeAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	f.calls.Add(1)
	if f.panics {
		panic("adapter exploded")
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if ctx.Err() != nil {
		f.sawDone.Store(true)
	}
	return f.result, f.err
}

func (f *fakeAdapter) ValidateInput(context.Context, map[string]any) bool {
	if f.badSpec {
		panic("schema exploded")
	}
	return f.valid
}

func (f *fakeAdapter) HealthCheck(context.Context) bool { return f.valid }

func TestExecutorSuccess(t *testing.T) {
	a := &fakeAdapter{valid: true, result: Result{Success: true, Output: map[string]any{"ok": true}}}
	res := NewExecutor().Execute(context.Background(), Request{CallID: "c1", ToolName: "t"}, Tool{Name: "t", Type: TypeCode}, a)
	if !res.Success || res.Error != "" {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output["ok"] != true {
		t.Errorf("expected output passed through, got %v", res.Output)
	}
}

func TestExecutorInvalidInput(t *testing.T) {
	a := &fakeAdapter{valid: false}
	res := NewExecutor().Execute(context.Background(), Request{ToolName: "t"}, Tool{Name: "t"}, a)
	if res.Success || res.Error != "invalid tool input" {
		t.Errorf("expected validation failure, got %+v", res)
	}
	if a.calls.Load() != 0 {
		t.Errorf("adapter must not run on invalid input")
	}
}

func TestExecutorValidatorPanic(t *testing.T) {
	a := &fakeAdapter{valid: true, badSpec: true}
	res := NewExecutor().Execute(context.Background(), Request{ToolName: "t"}, Tool{Name: "t"}, a)
	if res.Success || !strings.Contains(res.Error, "schema exploded") {
		t.Errorf("expected validator panic reported as error, got %+v", res)
	}
	if a.calls.Load() != 0 {
		t.Errorf("adapter must not run when validation panics")
	}
}

func TestExecutorTimeout(t *testing.T) {
	a := &fakeAdapter{valid: true, block: make(chan struct{})}
	defer close(a.block)

	timeout := 50 * time.Millisecond
	start := time.Now()
	res := NewExecutor().Execute(context.Background(), Request{ToolName: "slow"}, Tool{Name: "slow", Timeout: timeout}, a)
	elapsed := time.Since(start)

	if res.Success || !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timed out error, got %q", res.Error)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("timeout took too long: %s", elapsed)
	}
	if res.ExecutionTime < timeout {
		t.Errorf("expected execution time >= timeout, got %s", res.ExecutionTime)
	}
}

func TestExecutorDefaultTimeout(t *testing.T) {
	a := &fakeAdapter{valid: true, block: make(chan struct{})}
	defer close(a.block)

	res := NewExecutor(WithDefaultTimeout(20*time.Millisecond)).Execute(context.Background(), Request{}, Tool{}, a)
	if res.Error != "tool execution timed out after 20ms" {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestExecutorDoesNotCancelAdapter(t *testing.T) {
	a := &fakeAdapter{valid: true, delay: 30 * time.Millisecond, result: Result{Success: true}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewExecutor().Execute(ctx, Request{}, Tool{Timeout: time.Second}, a)
	if !res.Success {
		t.Errorf("expected adapter to finish despite cancelled caller, got %+v", res)
	}
	if a.sawDone.Load() {
		t.Errorf("adapter context must be detached from cancellation")
	}
}

func TestExecutorAdapterErrorAndPanic(t *testing.T) {
	failing := &fakeAdapter{valid: true, err: errors.New("connection refused")}
	res := NewExecutor().Execute(context.Background(), Request{}, Tool{}, failing)
	if res.Success || res.Error != "connection refused" {
		t.Errorf("expected adapter error, got %+v", res)
	}

	panicking := &fakeAdapter{valid: true, panics: true}
	res = NewExecutor().Execute(context.Background(), Request{}, Tool{}, panicking)
	if res.Success || !strings.Contains(res.Error, "panic") {
		t.Errorf("expected panic reported as error, got %+v", res)
	}
}

func TestExecutorNilAdapter(t *testing.T) {
	res := NewExecutor().Execute(context.Background(), Request{}, Tool{Type: "ftp"}, nil)
	if res.Success || !strings.Contains(res.Error, "ftp") {
		t.Errorf("expected missing adapter failure, got %+v", res)
	}
}
