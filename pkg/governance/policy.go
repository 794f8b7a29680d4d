// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance evaluates guardrails and approval workflows against the
// facts of a proposed action, and keeps the approval records that suspended
// runs wait on.
package governance

import (
	"context"
	"log/slog"
	"time"

	"github.com/jllopis/watt/pkg/telemetry"
)

// Action is what a matching guardrail does.
type Action string

const (
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
	ActionWarn            Action = "warn"
	ActionLog             Action = "log"
)

// Verdict is the outcome of an evaluation.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictBlock           Verdict = "block"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictWarn            Verdict = "warn"
	VerdictLog             Verdict = "log"
)

// Guardrail is a static rule. The first guardrail whose condition matches
// decides the verdict.
type Guardrail struct {
	ID        string
	Name      string
	Condition Predicate
	Action    Action
	Message   string
}

// ApprovalWorkflow suspends matching actions until a human resolves them.
type ApprovalWorkflow struct {
	ID           string
	Name         string
	Trigger      Predicate
	ApproverRole string
	Timeout      time.Duration
}

// Policy is the read-only rule set for an agent.
type Policy struct {
	Guardrails []Guardrail
	Workflows  []ApprovalWorkflow
}

// Decision captures the outcome of Evaluate.
type Decision struct {
	Verdict      Verdict
	RuleID       string
	Reason       string
	WorkflowID   string
	Timeout      time.Duration
	ApproverRole string
	// Guardrail is the warn or log decision a workflow upgraded to
	// require_approval. It is reported as a verdict of its own.
	Guardrail *Decision
}

// Blocked reports whether the action must not run.
func (d Decision) Blocked() bool { return d.Verdict == VerdictBlock }

// NeedsApproval reports whether the action must wait for a human.
func (d Decision) NeedsApproval() bool { return d.Verdict == VerdictRequireApproval }

// Engine evaluates a Policy.
type Engine struct {
	policy  Policy
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records verdicts.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine over p.
func NewEngine(p Policy, opts ...EngineOption) *Engine {
	e := &Engine{policy: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the evaluated policy.
func (e *Engine) Policy() Policy { return e.policy }

// Evaluate returns the verdict for f. Guardrails are checked in order and
// the first match wins; no match allows. A matching approval workflow turns
// any non-blocking verdict into require_approval.
func (e *Engine) Evaluate(ctx context.Context, f Facts) Decision {
	d := Decision{Verdict: VerdictAllow}
	for _, g := range e.policy.Guardrails {
		if g.Condition == nil || !g.Condition.Match(f) {
			continue
		}
		d = Decision{Verdict: verdictFor(g.Action), RuleID: g.ID, Reason: g.Message}
		if d.Reason == "" {
			d.Reason = defaultReason(g)
		}
		break
	}

	if d.Verdict != VerdictBlock {
		for _, w := range e.policy.Workflows {
			if w.Trigger == nil || !w.Trigger.Match(f) {
				continue
			}
			reason := d.Reason
			if d.Verdict != VerdictRequireApproval || reason == "" {
				reason = "approval required by workflow " + w.ID
			}
			if d.Verdict == VerdictWarn || d.Verdict == VerdictLog {
				guardrail := d
				d.Guardrail = &guardrail
			}
			d.Verdict = VerdictRequireApproval
			d.WorkflowID = w.ID
			d.Timeout = w.Timeout
			d.ApproverRole = w.ApproverRole
			d.Reason = reason
			break
		}
	}

	if d.Guardrail != nil {
		e.record(ctx, f, *d.Guardrail)
	}
	e.record(ctx, f, d)
	return d
}

func (e *Engine) record(ctx context.Context, f Facts, d Decision) {
	if d.Verdict == VerdictAllow {
		return
	}
	e.metrics.PolicyVerdict(ctx, string(d.Verdict), d.RuleID)

	attrs := []any{
		slog.String("verdict", string(d.Verdict)),
		slog.String("rule_id", d.RuleID),
		slog.String("reason", d.Reason),
	}
	if v, ok := f.Lookup("tool.name"); ok {
		attrs = append(attrs, slog.Any("tool", v))
	}
	if v, ok := f.Lookup("run.id"); ok {
		attrs = append(attrs, slog.Any("run_id", v))
	}
	switch d.Verdict {
	case VerdictBlock, VerdictWarn:
		e.logger.WarnContext(ctx, "governance.verdict."+string(d.Verdict), attrs...)
	default:
		e.logger.InfoContext(ctx, "governance.verdict."+string(d.Verdict), attrs...)
	}
}

func verdictFor(a Action) Verdict {
	switch a {
	case ActionBlock:
		return VerdictBlock
	case ActionRequireApproval:
		return VerdictRequireApproval
	case ActionWarn:
		return VerdictWarn
	case ActionLog:
		return VerdictLog
	}
	return VerdictAllow
}

func defaultReason(g Guardrail) string {
	name := g.Name
	if name == "" {
		name = g.ID
	}
	switch g.Action {
	case ActionBlock:
		return "action blocked by guardrail " + name
	case ActionRequireApproval:
		return "approval required for " + name
	}
	return "guardrail " + name
}
