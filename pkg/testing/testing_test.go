// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/watt/pkg/agents"
	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/llm"
	"github.com/jllopis/watt/pkg/resilience"
	"github.com/jllopis/watt/pkg/store"
	"github.com/jllopis/watt/pkg/tools"
)

type harness struct {
	engine   *engine.Engine
	provider *ScenarioProvider
	adapter  *FakeAdapter
	events   *EventCollector
	notifier *RecordingNotifier
}

func newHarness(t *testing.T, adapter *FakeAdapter, def agents.Definition) *harness {
	t.Helper()
	h := &harness{
		provider: NewScenarioProvider(),
		adapter:  adapter,
		events:   NewEventCollector(),
		notifier: &RecordingNotifier{},
	}
	router := llm.NewRouter(llm.WithRetry(resilience.RetryConfig{MaxAttempts: 1}))
	router.Register("scenario", h.provider)

	registry := tools.NewRegistry()
	registry.RegisterAdapter(tools.TypeCode, adapter)

	def.LLM = agents.LLMSettings{Provider: "scenario", Model: "scripted"}
	catalog, err := agents.NewMemoryCatalog(def)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	e, err := engine.New(catalog, router, registry, store.NewMemory(),
		engine.WithEmitter(h.events),
		engine.WithNotifier(h.notifier))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(e.Close)
	h.engine = e
	return h
}

func orderAgent() agents.Definition {
	return agents.Definition{
		ID:       "orders",
		TenantID: "acme",
		Persona:  agents.Persona{Name: "Olive", Tone: "friendly"},
		Tools: []tools.Tool{
			{Name: "get_order", Type: tools.TypeCode},
			{Name: "cancel_order", Type: tools.TypeCode, RequiresApproval: true},
		},
	}
}

func TestScenarioNoTools(t *testing.T) {
	h := newHarness(t, NewFakeAdapter(nil), orderAgent())
	h.provider.AddResponse("Hello! How can I help?")

	scenario := NewScenario("greeting").
		ForAgent("orders").
		WithInput("hello").
		ExpectNoError().
		ExpectStatus(core.RunCompleted).
		ExpectOutput(Contains("Hello")).
		ExpectNoToolCalls().
		ExpectEvent(core.EventRunCompleted)

	result := scenario.Run(t, h.engine, h.events)
	result.Assert(t, scenario)

	AssertRequest(t, h.provider.LastRequest()).
		HasModel("scripted").
		HasSystemMessage("You are Olive, a friendly, welcoming assistant.").
		HasUserMessage("hello").
		HasToolCount(2)
}

func TestScenarioToolRoundTrip(t *testing.T) {
	adapter := NewFakeAdapter(StaticOutput(map[string]any{"status": "shipped"}))
	h := newHarness(t, adapter, orderAgent())
	h.provider.
		AddToolCallResponse(NewToolCall("get_order").WithID("c1").WithArg("id", "A-7").Build()).
		AddResponse("Order A-7 has shipped.")

	scenario := NewScenario("lookup").
		ForAgent("orders").
		WithInput("where is A-7?").
		ExpectStatus(core.RunCompleted).
		ExpectToolCall("get_order").
		ExpectEvent(core.EventToolExecuted)
	result := scenario.Run(t, h.engine, h.events)
	result.Assert(t, scenario)

	AssertRun(t, result.Run).
		Completed().
		HasToolCallCount(1).
		CalledTool("get_order").
		ResultsPaired()
	AssertRequest(t, h.provider.LastRequest()).HasToolResult("c1")

	calls := adapter.Calls()
	if len(calls) != 1 || calls[0].Input["id"] != "A-7" {
		t.Errorf("unexpected adapter calls %+v", calls)
	}
	if calls[0].TenantID != "acme" || calls[0].RunID != result.Run.ID {
		t.Errorf("expected run identity on the request, got %+v", calls[0])
	}
}

func TestScenarioApproval(t *testing.T) {
	adapter := NewFakeAdapter(nil)
	h := newHarness(t, adapter, orderAgent())
	h.provider.
		AddToolCallResponse(NewToolCall("cancel_order").WithID("c1").WithArg("id", "A-7").Build()).
		AddResponse("Cancelled.")

	scenario := NewScenario("approval").
		ForAgent("orders").
		WithInput("cancel A-7").
		ExpectStatus(core.RunWaitingApproval).
		ExpectPendingApproval("cancel_order").
		ExpectEvent(core.EventRunWaiting)
	result := scenario.Run(t, h.engine, h.events)
	result.Assert(t, scenario)

	if adapter.CallCount() != 0 {
		t.Fatal("tool ran before approval")
	}
	notified := h.notifier.Records()
	if len(notified) != 1 || notified[0].ToolName != "cancel_order" {
		t.Fatalf("expected one notification, got %+v", notified)
	}

	run, err := h.engine.Approve(context.Background(), notified[0].ID, "fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	AssertRun(t, run).
		Completed().
		Approved("c1", true).
		ResultsPaired()
	if adapter.CallCount() != 1 {
		t.Errorf("expected the tool to run once, ran %d", adapter.CallCount())
	}
	if !h.events.HasEvent(core.EventRunResumed) {
		t.Error("expected a resumed event")
	}
}

func TestScenarioApprovalSteps(t *testing.T) {
	tests := []struct {
		name   string
		step   func(*Scenario) *Scenario
		status core.RunStatus
		code   string
		calls  int
	}{
		{"approve", func(s *Scenario) *Scenario { return s.ThenApprove("customer confirmed") }, core.RunCompleted, "", 1},
		{"deny", func(s *Scenario) *Scenario { return s.ThenDeny("not allowed") }, core.RunFailed, string(errors.CodeApprovalDenied), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewFakeAdapter(nil)
			h := newHarness(t, adapter, orderAgent())
			h.provider.
				AddToolCallResponse(NewToolCall("cancel_order").WithID("c1").Build()).
				AddResponse("Cancelled.")

			scenario := tt.step(NewScenario(tt.name).ForAgent("orders").WithInput("cancel A-7")).
				ExpectNoError().
				ExpectStatus(tt.status)
			result := scenario.Run(t, h.engine, h.events)
			result.Assert(t, scenario)

			if len(result.Approvals) != 1 {
				t.Fatalf("expected one resolved approval, got %v", result.Approvals)
			}
			if result.Run.ErrorCode != tt.code {
				t.Errorf("expected error code %q, got %q", tt.code, result.Run.ErrorCode)
			}
			if adapter.CallCount() != tt.calls {
				t.Errorf("expected %d tool executions, got %d", tt.calls, adapter.CallCount())
			}
		})
	}
}

func TestScenarioToolTimeout(t *testing.T) {
	adapter := NewBlockingAdapter()
	defer adapter.Release()
	def := orderAgent()
	def.Tools[0].Timeout = 50 * time.Millisecond
	h := newHarness(t, adapter, def)
	h.provider.
		AddToolCallResponse(NewToolCall("get_order").WithID("c1").Build()).
		AddResponse("The order service is slow.")

	start := time.Now()
	scenario := NewScenario("timeout").
		ForAgent("orders").
		WithInput("status?").
		ExpectStatus(core.RunCompleted).
		ExpectMaxDuration(2 * time.Second)
	result := scenario.Run(t, h.engine, h.events)
	result.Assert(t, scenario)

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned before the tool deadline: %v", elapsed)
	}
	calls := result.ToolCalls()
	if len(calls) != 1 || !strings.Contains(calls[0].Error, "timed out") {
		t.Fatalf("expected a timed out result, got %s", FormatResults(calls))
	}
}

func TestScenarioFailures(t *testing.T) {
	tests := []struct {
		name   string
		script func(p *ScenarioProvider)
		input  string
		agent  string
		code   errors.ErrorCode
		noRun  bool
	}{
		{
			name:   "gateway error",
			script: func(p *ScenarioProvider) { p.AddErrorResponse(stderrors.New("502 bad gateway")) },
			input:  "hi",
			agent:  "orders",
			code:   errors.CodeLLMError,
		},
		{
			name:   "empty input",
			script: func(p *ScenarioProvider) {},
			input:  "",
			agent:  "orders",
			code:   errors.CodeInvalidInput,
			noRun:  true,
		},
		{
			name:   "unknown agent",
			script: func(p *ScenarioProvider) {},
			input:  "hi",
			agent:  "ghost",
			code:   errors.CodeConfiguration,
			noRun:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, NewFakeAdapter(nil), orderAgent())
			tt.script(h.provider)
			scenario := NewScenario(tt.name).ForAgent(tt.agent).WithInput(tt.input).ExpectErrorCode(tt.code)
			if tt.noRun {
				scenario.ExpectError(Contains(string(tt.code)))
			} else {
				scenario.ExpectNoError().ExpectStatus(core.RunFailed)
			}
			result := scenario.Run(t, h.engine, h.events)
			result.Assert(t, scenario)
		})
	}
}

func TestScenarioPolicyBlock(t *testing.T) {
	def := orderAgent()
	def.Policy = governance.PolicySpec{
		Guardrails: []governance.GuardrailSpec{
			{ID: "audit", When: governance.PredicateSpec{Field: "tool.name", Op: governance.OpEq, Value: "get_order"}, Action: governance.ActionWarn},
			{ID: "deny", When: governance.PredicateSpec{Field: "tool.name", Op: governance.OpEq, Value: "get_order"}, Action: governance.ActionBlock},
		},
	}
	h := newHarness(t, NewFakeAdapter(nil), def)
	h.provider.
		AddToolCallResponse(NewToolCall("get_order").WithID("c1").Build()).
		AddResponse("done")

	scenario := NewScenario("first match").ForAgent("orders").WithInput("status").ExpectStatus(core.RunCompleted)
	result := scenario.Run(t, h.engine, h.events)
	result.Assert(t, scenario)
	AssertRun(t, result.Run).HasPolicyEvent("warn").CalledTool("get_order")
}

func TestScenarioProviderScript(t *testing.T) {
	p := NewScenarioProvider().
		AddScriptedResponse(ScriptedResponse{
			Content:   "skipped",
			Condition: func(req llm.ChatRequest) bool { return req.Model == "other" },
		}).
		AddResponse("first").
		WithDefaultError(stderrors.New("exhausted"))

	resp, err := p.Chat(context.Background(), llm.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "first" || resp.Usage != DefaultUsage || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if _, err := p.Chat(context.Background(), llm.ChatRequest{}); err == nil || err.Error() != "exhausted" {
		t.Errorf("expected default error, got %v", err)
	}
	if p.CallCount() != 2 || p.Remaining() != 0 {
		t.Errorf("unexpected counters %d/%d", p.CallCount(), p.Remaining())
	}

	p.Reset()
	chunks, err := p.ChatStream(context.Background(), llm.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var deltas []string
	out, err := llm.Collect(context.Background(), chunks, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if out.Content != "first" || len(deltas) != 1 {
		t.Errorf("unexpected stream result %q %v", out.Content, deltas)
	}
}

func TestScenarioProviderDelayHonoursContext(t *testing.T) {
	p := NewScenarioProvider().AddScriptedResponse(ScriptedResponse{Content: "late", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(ctx, llm.ChatRequest{}); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMatchers(t *testing.T) {
	tests := []struct {
		matcher StringMatcher
		input   string
		want    bool
	}{
		{Contains("ell"), "hello", true},
		{Contains("xyz"), "hello", false},
		{Equals("hello"), "hello", true},
		{Equals("hello"), "hello!", false},
		{Regex(`^h.*o$`), "hello", true},
		{Regex(`^\d+$`), "hello", false},
	}
	for _, tt := range tests {
		if got := tt.matcher.Match(tt.input); got != tt.want {
			t.Errorf("%s on %q: expected %v, got %v", tt.matcher.Description(), tt.input, tt.want, got)
		}
	}
}

func TestFakeAdapterHealth(t *testing.T) {
	a := NewFakeAdapter(FailWith("boom"))
	if !a.HealthCheck(context.Background()) {
		t.Error("expected healthy by default")
	}
	a.SetHealthy(false)
	if a.HealthCheck(context.Background()) {
		t.Error("expected unhealthy")
	}
	res, err := a.Execute(context.Background(), tools.Request{ToolName: "x"})
	if err != nil || res.Error != "boom" {
		t.Errorf("unexpected result %+v %v", res, err)
	}
}
