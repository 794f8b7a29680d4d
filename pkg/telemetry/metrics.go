// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/watt/pkg/errors"
)

// Metrics holds the engine instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs              metric.Int64Counter
	runDuration       metric.Float64Histogram
	toolExecutions    metric.Int64Counter
	toolDuration      metric.Float64Histogram
	tokens            metric.Int64Counter
	cost              metric.Float64Counter
	policyVerdicts    metric.Int64Counter
	approvals         metric.Int64Counter
	memoryCompactions metric.Int64Counter
	errors            metric.Int64Counter
	breakerState      metric.Int64Gauge
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("watt/engine"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.runs, err = meter.Int64Counter("watt.runs.total",
		metric.WithDescription("Runs that stopped, by status and error code")); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("watt.runs.duration",
		metric.WithDescription("Run wall-clock duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.toolExecutions, err = meter.Int64Counter("watt.tools.executions",
		metric.WithDescription("Tool executions by tool and outcome")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("watt.tools.duration",
		metric.WithDescription("Tool execution latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("watt.llm.tokens",
		metric.WithDescription("Tokens consumed by model and kind")); err != nil {
		return nil, err
	}
	if m.cost, err = meter.Float64Counter("watt.llm.cost",
		metric.WithDescription("Computed model cost"), metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if m.policyVerdicts, err = meter.Int64Counter("watt.policy.verdicts",
		metric.WithDescription("Guardrail verdicts by kind")); err != nil {
		return nil, err
	}
	if m.approvals, err = meter.Int64Counter("watt.approvals.resolved",
		metric.WithDescription("Approval resolutions by status")); err != nil {
		return nil, err
	}
	if m.memoryCompactions, err = meter.Int64Counter("watt.memory.compactions",
		metric.WithDescription("Conversation compressions")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("watt.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("watt.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per component (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RunFinished records a run that reached a terminal or waiting status.
func (m *Metrics) RunFinished(ctx context.Context, status, errorCode string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("error.code", errorCode),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(ctx context.Context, tool, toolType string, success, timedOut bool, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("tool.type", toolType),
		attribute.Bool("success", success),
		attribute.Bool("timed_out", timedOut),
	)
	m.toolExecutions.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}

// UsageRecorded records tokens and cost for one model call.
func (m *Metrics) UsageRecorded(ctx context.Context, provider, model string, prompt, completion int, costUSD float64) {
	if m == nil {
		return
	}
	base := []attribute.KeyValue{attribute.String("provider", provider), attribute.String("model", model)}
	m.tokens.Add(ctx, int64(prompt), metric.WithAttributes(append(base, attribute.String("kind", "prompt"))...))
	m.tokens.Add(ctx, int64(completion), metric.WithAttributes(append(base, attribute.String("kind", "completion"))...))
	m.cost.Add(ctx, costUSD, metric.WithAttributes(base...))
}

// PolicyVerdict records a guardrail decision.
func (m *Metrics) PolicyVerdict(ctx context.Context, verdict, ruleID string) {
	if m == nil {
		return
	}
	m.policyVerdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("rule", ruleID),
	))
}

// ApprovalResolved records an approval outcome.
func (m *Metrics) ApprovalResolved(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// MemoryCompacted records one compression pass.
func (m *Metrics) MemoryCompacted(ctx context.Context) {
	if m == nil {
		return
	}
	m.memoryCompactions.Add(ctx, 1)
}

// RecordError increments the error counter for err in component.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	we := errors.AsWattError(err)
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(we.Code)),
		attribute.String("component", component),
		attribute.String("recoverable", we.RecoverableString()),
	))
}

// CircuitBreakerState records the breaker state (0=open, 1=half-open, 2=closed).
func (m *Metrics) CircuitBreakerState(ctx context.Context, component string, state int64) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("component", component)))
}
