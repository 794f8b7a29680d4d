package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/agents"
	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/llm"
	"github.com/jllopis/watt/pkg/memory"
	"github.com/jllopis/watt/pkg/telemetry"
	"github.com/jllopis/watt/pkg/tools"
)

type boundTool struct {
	tool    tools.Tool
	adapter tools.Adapter
}

// session is everything one goroutine needs to drive one run. It is never
// shared.
type session struct {
	def      agents.Definition
	run      *core.AgentRun
	state    *State
	policy   *governance.Engine
	memory   *memory.Manager
	model    llm.StreamingProvider
	target   llm.Target
	stream   bool
	tools    map[string]boundTool
	toolDefs []llm.Tool
	maxIter  int
	summary  string
	// approval is set when this call suspended the run.
	approval *governance.ApprovalRecord
}

func (e *Engine) newSession(def agents.Definition, run *core.AgentRun, state *State) (*session, error) {
	spec := e.policy.Load().Merge(def.Policy)
	policy, err := spec.Build(e.cfg.ApprovalTimeout)
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, fmt.Sprintf("agent %q policy", def.ID), err)
	}

	route, err := e.route(def.LLM)
	if err != nil {
		return nil, configurationError(err)
	}

	s := &session{
		def:     def,
		run:     run,
		state:   state,
		policy:  governance.NewEngine(policy, governance.WithLogger(e.logger), governance.WithMetrics(e.metrics)),
		model:   route,
		target:  route.Primary(),
		stream:  e.cfg.Stream,
		tools:   make(map[string]boundTool, len(def.Tools)),
		maxIter: e.cfg.MaxIterations,
	}
	if def.LLM.Stream != nil {
		s.stream = *def.LLM.Stream
	}
	if def.MaxIterations > 0 {
		s.maxIter = def.MaxIterations
	}
	if err := e.bindTools(s); err != nil {
		return nil, err
	}

	memOpts := []memory.Option{memory.WithLogger(e.logger), memory.WithMetrics(e.metrics)}
	if e.summarizer != nil {
		memOpts = append(memOpts, memory.WithSummarizer(e.summarizer))
	}
	s.memory = memory.NewManager(def.Memory.Apply(e.cfg.Memory), memOpts...)
	if len(state.Memory.History) > 0 || state.Memory.CompressedHistory != "" || len(state.Memory.LongTermFacts) > 0 {
		s.memory.Restore(state.Memory)
		s.summary = state.Memory.CompressedHistory
	}
	return s, nil
}

// bareSession carries just enough to fail a run whose agent can no longer be
// loaded.
func (e *Engine) bareSession(run *core.AgentRun, state *State) *session {
	s := &session{
		def:    agents.Definition{ID: run.AgentID},
		run:    run,
		state:  state,
		memory: memory.NewManager(e.cfg.Memory),
		tools:  map[string]boundTool{},
	}
	s.memory.Restore(state.Memory)
	return s
}

func (e *Engine) route(s agents.LLMSettings) (*llm.Route, error) {
	primary := llm.Target{Provider: s.Provider, Model: s.Model}
	if primary.Provider == "" {
		primary.Provider = e.cfg.Model.Provider
	}
	if primary.Model == "" {
		primary.Model = e.cfg.Model.Model
	}
	if !s.HasFallback() {
		return e.models.Route(primary)
	}
	fallback := llm.Target{Provider: s.FallbackProvider, Model: s.FallbackModel}
	if fallback.Provider == "" {
		fallback.Provider = primary.Provider
	}
	if fallback.Model == "" {
		fallback.Model = primary.Model
	}
	return e.models.Route(primary, fallback)
}

// bindTools resolves the agent's tools against the registry. Tools without a
// type must be registered by name; typed tools only need an adapter.
func (e *Engine) bindTools(s *session) error {
	for _, t := range s.def.Tools {
		var (
			bound boundTool
			ok    bool
		)
		if t.Type == "" {
			tool, adapter, err := e.registry.Lookup(t.Name)
			if err != nil {
				return errors.New(errors.CodeConfiguration, fmt.Sprintf("agent %q tool %q", s.def.ID, t.Name), err)
			}
			tool.RequiresApproval = tool.RequiresApproval || t.RequiresApproval
			if t.Timeout > 0 {
				tool.Timeout = t.Timeout
			}
			bound = boundTool{tool: tool, adapter: adapter}
		} else {
			bound.tool = t
			bound.adapter, ok = e.registry.Adapter(t.Type)
			if !ok {
				return errors.Newf(errors.CodeConfiguration, "agent %q tool %q: no adapter for type %q", s.def.ID, t.Name, t.Type)
			}
			if registered := e.registry.Tools(t.Name); len(registered) == 1 {
				if bound.tool.Description == "" {
					bound.tool.Description = registered[0].Description
				}
				if bound.tool.Parameters == nil {
					bound.tool.Parameters = registered[0].Parameters
				}
			}
		}
		s.tools[t.Name] = bound
		s.toolDefs = append(s.toolDefs, bound.tool.Definition())
	}
	return nil
}

func (s *session) subject() governance.Subject {
	return governance.Subject{AgentID: s.run.AgentID, TenantID: s.run.TenantID, RunID: s.run.ID}
}

func (s *session) append(msg core.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.memory.Append(context.Background(), msg)
	s.state.Messages = append(s.state.Messages, msg)
}

func (e *Engine) transition(s *session, next core.RunStatus) error {
	if err := s.run.Transition(next); err != nil {
		return errors.New(errors.CodeConflict, "run "+s.run.ID, err)
	}
	s.state.Status = next
	return nil
}

// screenInput applies the PII mode and the input guardrails.
func (e *Engine) screenInput(ctx context.Context, s *session) error {
	if e.cfg.PIIMode != governance.PIIOff {
		if found := governance.DetectPII(s.run.Input); len(found) > 0 {
			kinds := make([]string, len(found))
			for i, k := range found {
				kinds[i] = string(k)
			}
			switch e.cfg.PIIMode {
			case governance.PIIBlock:
				d := governance.Decision{Verdict: governance.VerdictBlock, RuleID: "pii", Reason: "input contains personal data: " + strings.Join(kinds, ", ")}
				e.policyEvent(ctx, s, d, core.ToolCall{})
				return policyViolation(d)
			case governance.PIIRedact:
				s.run.Input = governance.RedactPII(s.run.Input)
				e.policyEvent(ctx, s, governance.Decision{
					Verdict: governance.VerdictLog,
					RuleID:  "pii",
					Reason:  "redacted personal data: " + strings.Join(kinds, ", "),
				}, core.ToolCall{})
			}
		}
	}

	d := s.policy.Evaluate(ctx, governance.InputFacts(s.subject(), s.run.Input))
	if d.Verdict == governance.VerdictAllow {
		return nil
	}
	if d.Guardrail != nil {
		e.policyEvent(ctx, s, *d.Guardrail, core.ToolCall{})
	}
	e.policyEvent(ctx, s, d, core.ToolCall{})
	if d.Blocked() {
		return policyViolation(d)
	}
	return nil
}

func (e *Engine) policyEvent(ctx context.Context, s *session, d governance.Decision, call core.ToolCall) {
	ev := core.PolicyEvent{
		RuleID:    d.RuleID,
		Verdict:   string(d.Verdict),
		Reason:    d.Reason,
		ToolName:  call.ToolName,
		CallID:    call.ID,
		Timestamp: time.Now().UTC(),
	}
	s.run.PolicyEvents = append(s.run.PolicyEvents, ev)
	trace.SpanFromContext(ctx).AddEvent("policy.verdict",
		trace.WithAttributes(telemetry.PolicyAttributes(ev.Verdict, d.RuleID, d.WorkflowID)...))
	e.emit(ctx, core.EventPolicyVerdict, s.run, map[string]any{
		"verdict":   ev.Verdict,
		"rule_id":   ev.RuleID,
		"reason":    ev.Reason,
		"tool_name": ev.ToolName,
		"call_id":   ev.CallID,
	})
}

// recordResult stores the single result of a pending call and feeds it back
// to the conversation.
func (e *Engine) recordResult(ctx context.Context, s *session, res core.ToolCallResult) {
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	s.run.ToolCalls = append(s.run.ToolCalls, res)
	s.run.Metrics.ToolCallsCount++
	s.state.Results = append(s.state.Results, res)
	s.state.popPending()
	s.append(core.Message{Role: core.RoleTool, Content: res.ToolMessageContent(), ToolCallID: res.ID})
	e.emit(ctx, core.EventToolExecuted, s.run, map[string]any{
		"tool_name":   res.ToolName,
		"call_id":     res.ID,
		"success":     res.Succeeded(),
		"duration_ms": res.DurationMs,
	})
}

// skipPending closes every call of the step that will never run.
func (e *Engine) skipPending(ctx context.Context, s *session, why string) {
	for _, call := range s.state.unresolved() {
		e.recordResult(ctx, s, core.ToolCallResult{
			ID:       call.ID,
			ToolName: call.ToolName,
			Input:    call.Input,
			Error:    "skipped: " + why,
		})
	}
}

func (e *Engine) complete(ctx context.Context, s *session, output string) {
	s.run.Output = output
	if err := e.transition(s, core.RunCompleted); err != nil {
		e.logger.ErrorContext(ctx, "engine.run.transition", slog.String("run_id", s.run.ID), slog.String("error", err.Error()))
		return
	}
	e.logger.InfoContext(ctx, "engine.run.completed",
		slog.String("run_id", s.run.ID),
		slog.Int("iterations", s.state.Iteration),
		slog.Int("tool_calls", s.run.Metrics.ToolCallsCount),
		slog.Float64("cost_usd", s.run.Metrics.CostUSD),
	)
	e.emit(ctx, core.EventRunCompleted, s.run, map[string]any{"output": output})
}

func (e *Engine) fail(ctx context.Context, s *session, err error) {
	we := errors.AsWattError(err)
	e.skipPending(ctx, s, string(we.Code))
	s.run.PendingApproval = nil
	s.run.Error = failureText(we)
	s.run.ErrorCode = string(we.Code)
	s.state.LastError = s.run.Error
	if terr := e.transition(s, core.RunFailed); terr != nil {
		e.logger.ErrorContext(ctx, "engine.run.transition", slog.String("run_id", s.run.ID), slog.String("error", terr.Error()))
		return
	}
	e.metrics.RecordError(ctx, we, "engine")
	e.logger.WarnContext(ctx, "engine.run.failed",
		slog.String("run_id", s.run.ID),
		slog.String("error_code", s.run.ErrorCode),
		slog.String("error", s.run.Error),
	)
	e.emit(ctx, core.EventRunFailed, s.run, map[string]any{"error_code": s.run.ErrorCode, "error": s.run.Error})
}

// persist writes the run once and clears or keeps its snapshot depending on
// whether it is still waiting. A waiting run was already written by suspend.
func (e *Engine) persist(ctx context.Context, s *session, span trace.Span) (*core.AgentRun, error) {
	ctx = context.WithoutCancel(ctx)
	s.state.Metrics = s.run.Metrics
	if s.run.Status.Terminal() {
		if err := e.store.DeleteState(ctx, s.run.ID); err != nil {
			e.logger.WarnContext(ctx, "engine.state.delete.failed", slog.String("run_id", s.run.ID), slog.String("error", err.Error()))
		}
	}

	span.SetAttributes(telemetry.RunOutcomeAttributes(string(s.run.Status), s.run.ErrorCode,
		s.run.Metrics.ToolCallsCount, s.run.Metrics.CostUSD, s.run.Metrics.DurationMs)...)
	if s.run.Status == core.RunFailed {
		span.SetStatus(codes.Error, s.run.Error)
	}
	e.metrics.RunFinished(ctx, string(s.run.Status), s.run.ErrorCode, s.run.Duration())

	// suspend stored the waiting run before its approval became resolvable;
	// saving it again could overwrite a resolution that already landed.
	if s.approval != nil && s.run.Status == core.RunWaitingApproval {
		e.announce(ctx, *s.approval)
		return s.run.Clone(), nil
	}
	if err := e.store.SaveRun(ctx, s.run); err != nil {
		e.logger.ErrorContext(ctx, "engine.run.persist.failed", slog.String("run_id", s.run.ID), slog.String("error", err.Error()))
		return s.run.Clone(), storageError("save run", err)
	}
	return s.run.Clone(), nil
}
