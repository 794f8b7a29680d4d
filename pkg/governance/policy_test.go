package governance

import (
	"context"
	"testing"
	"time"
)

func mustBuild(t *testing.T, spec PredicateSpec) Predicate {
	t.Helper()
	p, err := spec.Build()
	if err != nil {
		t.Fatalf("build predicate: %v", err)
	}
	return p
}

func refundFacts(amount float64) Facts {
	return ToolCallFacts(
		Subject{AgentID: "support", TenantID: "acme", RunID: "run-1"},
		"issue_refund", "http",
		map[string]any{"amount": amount, "order_id": "A-1"},
		RunFacts{CostUSD: 0.02, ToolCalls: 1, Iteration: 2},
	)
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	cond := mustBuild(t, PredicateSpec{Field: "tool.name", Op: OpEq, Value: "issue_refund"})
	engine := NewEngine(Policy{Guardrails: []Guardrail{
		{ID: "warn-refund", Condition: cond, Action: ActionWarn, Message: "refund issued"},
		{ID: "block-refund", Condition: cond, Action: ActionBlock},
	}})

	d := engine.Evaluate(context.Background(), refundFacts(10))
	if d.Verdict != VerdictWarn {
		t.Fatalf("expected warn, got %s", d.Verdict)
	}
	if d.RuleID != "warn-refund" || d.Reason != "refund issued" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestEvaluateDefaultAllow(t *testing.T) {
	engine := NewEngine(Policy{Guardrails: []Guardrail{
		{ID: "block-delete", Condition: mustBuild(t, PredicateSpec{Field: "tool.name", Op: OpGlob, Value: "delete_*"}), Action: ActionBlock},
	}})
	d := engine.Evaluate(context.Background(), refundFacts(10))
	if d.Verdict != VerdictAllow || d.RuleID != "" {
		t.Errorf("expected allow, got %+v", d)
	}
}

func TestEvaluateWorkflows(t *testing.T) {
	bigRefund := mustBuild(t, PredicateSpec{Field: "tool.input.amount", Op: OpGt, Value: 100})
	engine := NewEngine(Policy{
		Guardrails: []Guardrail{
			{ID: "block-huge", Condition: mustBuild(t, PredicateSpec{Field: "tool.input.amount", Op: OpGte, Value: 10000}), Action: ActionBlock},
			{ID: "log-refund", Condition: mustBuild(t, PredicateSpec{Field: "tool.name", Op: OpEq, Value: "issue_refund"}), Action: ActionLog},
		},
		Workflows: []ApprovalWorkflow{
			{ID: "wf-refunds", Trigger: bigRefund, ApproverRole: "supervisor", Timeout: 15 * time.Minute},
		},
	})

	tests := []struct {
		name     string
		amount   float64
		verdict  Verdict
		workflow string
	}{
		{"small refund logs", 20, VerdictLog, ""},
		{"workflow forces approval", 500, VerdictRequireApproval, "wf-refunds"},
		{"block wins over workflow", 20000, VerdictBlock, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Evaluate(context.Background(), refundFacts(tt.amount))
			if d.Verdict != tt.verdict {
				t.Fatalf("expected %s, got %s", tt.verdict, d.Verdict)
			}
			if d.WorkflowID != tt.workflow {
				t.Errorf("expected workflow %q, got %q", tt.workflow, d.WorkflowID)
			}
			if tt.workflow != "" && (d.Timeout != 15*time.Minute || d.ApproverRole != "supervisor") {
				t.Errorf("expected workflow timeout and role, got %+v", d)
			}
		})
	}
}

func TestEvaluateEarlierLogShadowsBlock(t *testing.T) {
	logRefund := Guardrail{ID: "log-refund", Condition: mustBuild(t, PredicateSpec{Field: "tool.name", Op: OpEq, Value: "issue_refund"}), Action: ActionLog}
	blockHuge := Guardrail{ID: "block-huge", Condition: mustBuild(t, PredicateSpec{Field: "tool.input.amount", Op: OpGte, Value: 10000}), Action: ActionBlock}
	workflow := ApprovalWorkflow{ID: "wf-refunds", Trigger: mustBuild(t, PredicateSpec{Field: "tool.input.amount", Op: OpGt, Value: 100}), Timeout: time.Minute}

	tests := []struct {
		name      string
		workflows []ApprovalWorkflow
		verdict   Verdict
	}{
		{"log stands alone", nil, VerdictLog},
		{"workflow upgrades the log", []ApprovalWorkflow{workflow}, VerdictRequireApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(Policy{Guardrails: []Guardrail{logRefund, blockHuge}, Workflows: tt.workflows})
			d := engine.Evaluate(context.Background(), refundFacts(20000))
			if d.Verdict != tt.verdict {
				t.Fatalf("expected %s, got %s", tt.verdict, d.Verdict)
			}
			if d.RuleID != "log-refund" {
				t.Errorf("expected rule log-refund, got %q", d.RuleID)
			}
		})
	}
}

func TestEvaluateKeepsUpgradedGuardrail(t *testing.T) {
	warn := Guardrail{ID: "warn-refund", Condition: mustBuild(t, PredicateSpec{Field: "tool.name", Op: OpEq, Value: "issue_refund"}), Action: ActionWarn, Message: "refund issued"}
	workflow := ApprovalWorkflow{ID: "wf-refunds", Trigger: mustBuild(t, PredicateSpec{Field: "tool.input.amount", Op: OpGt, Value: 100}), Timeout: time.Minute}
	engine := NewEngine(Policy{Guardrails: []Guardrail{warn}, Workflows: []ApprovalWorkflow{workflow}})

	d := engine.Evaluate(context.Background(), refundFacts(500))
	if d.Verdict != VerdictRequireApproval || d.WorkflowID != "wf-refunds" {
		t.Fatalf("expected approval by wf-refunds, got %+v", d)
	}
	if d.Guardrail == nil {
		t.Fatal("expected the warn decision kept alongside the approval")
	}
	if d.Guardrail.Verdict != VerdictWarn || d.Guardrail.RuleID != "warn-refund" || d.Guardrail.Reason != "refund issued" {
		t.Errorf("unexpected guardrail decision %+v", d.Guardrail)
	}

	d = engine.Evaluate(context.Background(), refundFacts(50))
	if d.Verdict != VerdictWarn || d.Guardrail != nil {
		t.Errorf("expected a plain warn below the workflow threshold, got %+v", d)
	}
}

func TestPredicateOps(t *testing.T) {
	facts := refundFacts(150)
	facts["text"] = "please refund jane@example.com"

	tests := []struct {
		name string
		spec PredicateSpec
		want bool
	}{
		{"eq string", PredicateSpec{Field: "agent.id", Op: OpEq, Value: "support"}, true},
		{"eq numeric across types", PredicateSpec{Field: "run.tool_calls", Value: 1.0}, true},
		{"ne", PredicateSpec{Field: "tenant.id", Op: OpNe, Value: "acme"}, false},
		{"ne on missing field", PredicateSpec{Field: "user.id", Op: OpNe, Value: "x"}, true},
		{"gt missing field", PredicateSpec{Field: "tool.input.fee", Op: OpGt, Value: 1}, false},
		{"lte", PredicateSpec{Field: "run.cost_usd", Op: OpLte, Value: 0.02}, true},
		{"lt", PredicateSpec{Field: "run.iteration", Op: OpLt, Value: 2}, false},
		{"contains is case-insensitive", PredicateSpec{Field: "text", Op: OpContains, Value: "REFUND"}, true},
		{"in", PredicateSpec{Field: "tool.type", Op: OpIn, Value: []any{"mcp", "http"}}, true},
		{"glob", PredicateSpec{Field: "tool.name", Op: OpGlob, Value: "issue_*"}, true},
		{"regex", PredicateSpec{Field: "tool.input.order_id", Op: OpRegex, Value: `^A-\d+$`}, true},
		{"exists", PredicateSpec{Field: "tool.input.amount", Op: OpExists}, true},
		{"exists false", PredicateSpec{Field: "tool.input.fee", Op: OpExists, Value: false}, true},
		{"pii any", PredicateSpec{Field: "text", Op: OpPII}, true},
		{"pii typed", PredicateSpec{Field: "text", Op: OpPII, Value: "iban"}, false},
		{"injection", PredicateSpec{Field: "text", Op: OpInjection}, false},
		{"all", PredicateSpec{All: []PredicateSpec{
			{Field: "tool.name", Value: "issue_refund"},
			{Field: "tool.input.amount", Op: OpGt, Value: 100},
		}}, true},
		{"any", PredicateSpec{Any: []PredicateSpec{
			{Field: "tool.name", Value: "close_account"},
			{Field: "tenant.id", Value: "acme"},
		}}, true},
		{"not", PredicateSpec{Not: &PredicateSpec{Field: "tenant.id", Value: "acme"}}, false},
		{"empty spec", PredicateSpec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustBuild(t, tt.spec).Match(facts); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPredicateBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		spec PredicateSpec
	}{
		{"unknown op", PredicateSpec{Field: "x", Op: "between"}},
		{"non numeric gt", PredicateSpec{Field: "x", Op: OpGt, Value: "lots"}},
		{"in without list", PredicateSpec{Field: "x", Op: OpIn, Value: "a"}},
		{"bad regex", PredicateSpec{Field: "x", Op: OpRegex, Value: "("}},
		{"bad glob", PredicateSpec{Field: "x", Op: OpGlob, Value: "["}},
		{"injection threshold out of range", PredicateSpec{Field: "x", Op: OpInjection, Value: 2}},
		{"two shapes", PredicateSpec{Field: "x", Not: &PredicateSpec{Field: "y"}}},
		{"nested error", PredicateSpec{All: []PredicateSpec{{Field: "x", Op: "nope"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.spec.Build(); err == nil {
				t.Errorf("expected build error")
			}
		})
	}
}

func TestInputFacts(t *testing.T) {
	f := InputFacts(Subject{AgentID: "support", RunID: "r1"}, "hi")
	if v, _ := f.Lookup("action.kind"); v != KindInput {
		t.Errorf("expected input kind, got %v", v)
	}
	if _, ok := f.Lookup("tool.name"); ok {
		t.Errorf("input facts must not carry a tool")
	}
	if _, ok := f.Lookup("text.length"); ok {
		t.Errorf("expected lookup through a scalar to fail")
	}
}
