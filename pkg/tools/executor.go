// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/resilience"
	"github.com/jllopis/watt/pkg/telemetry"
)

// DefaultTimeout applies to tools that declare no timeout of their own.
const DefaultTimeout = 30 * time.Second

// Executor runs tool calls through their adapter under a deadline.
type Executor struct {
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorMetrics records tool executions.
func WithExecutorMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer("watt/tools"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates the input and races the adapter against the tool's
// timeout. It never returns an error: every failure, including a panic in the
// adapter, is reported on the Result.
//
// The adapter runs on a context detached from ctx's cancellation and is not
// stopped when the deadline passes. Its side effects may still land after a
// timeout has been reported.
func (e *Executor) Execute(ctx context.Context, req Request, tool Tool, adapter Adapter) Result {
	ctx, span := e.tracer.Start(ctx, "tools.execute")
	defer span.End()

	start := time.Now()
	if adapter == nil {
		return e.finish(ctx, span, req, tool, Result{Error: fmt.Sprintf("no adapter for tool type %q", tool.Type)}, start)
	}
	if msg := validate(ctx, adapter, req.Input); msg != "" {
		return e.finish(ctx, span, req, tool, Result{Error: msg}, start)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	out := resilience.Race(ctx, timeout, func(ctx context.Context) (Result, error) {
		return adapter.Execute(ctx, req)
	})

	var res Result
	switch {
	case out.TimedOut:
		res = Result{Error: fmt.Sprintf("tool execution timed out after %s", timeout), TimedOut: true}
		e.logger.Warn("tools.execute.timeout",
			slog.String("tool", req.ToolName),
			slog.String("call_id", req.CallID),
			slog.String("run_id", req.RunID),
			slog.Duration("timeout", timeout),
		)
	case out.Err != nil:
		res = out.Value
		res.Success = false
		res.Error = out.Err.Error()
	default:
		res = out.Value
		if !res.Success && res.Error == "" {
			res.Error = "tool reported failure"
		}
	}
	return e.finish(ctx, span, req, tool, res, start)
}

func (e *Executor) finish(ctx context.Context, span trace.Span, req Request, tool Tool, res Result, start time.Time) Result {
	res.ExecutionTime = time.Since(start)
	if res.Success {
		res.Error = ""
	}

	ms := float64(res.ExecutionTime.Microseconds()) / 1000
	span.SetAttributes(telemetry.ToolCallAttributes(req.ToolName, string(tool.Type), req.CallID, ms, res.Success, res.TimedOut)...)
	if args, err := json.Marshal(req.Input); err == nil {
		result, _ := json.Marshal(res.Output)
		span.SetAttributes(telemetry.ToolCallArgsResult(string(args), string(result), 512)...)
	}
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Error)
		e.logger.Info("tools.execute.failed",
			slog.String("tool", req.ToolName),
			slog.String("call_id", req.CallID),
			slog.String("error", res.Error),
		)
	}
	e.metrics.ToolExecuted(ctx, req.ToolName, string(tool.Type), res.Success, res.TimedOut, res.ExecutionTime)
	return res
}

// validate returns why input was refused, or "" when the adapter accepts it.
func validate(ctx context.Context, adapter Adapter, input map[string]any) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("invalid tool input: panic: %v", r)
		}
	}()
	if !adapter.ValidateInput(ctx, input) {
		return "invalid tool input"
	}
	return ""
}
