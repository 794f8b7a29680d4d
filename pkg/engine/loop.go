package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/accounting"
	"github.com/jllopis/watt/pkg/agents"
	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/llm"
	"github.com/jllopis/watt/pkg/memory"
	"github.com/jllopis/watt/pkg/telemetry"
	"github.com/jllopis/watt/pkg/tools"
)

// loop iterates until the run leaves the running status.
func (e *Engine) loop(ctx context.Context, s *session) {
	for s.run.Status == core.RunRunning {
		if err := e.interrupted(ctx, s); err != nil {
			e.fail(ctx, s, err)
			return
		}
		if s.state.Iteration >= s.maxIter {
			e.fail(ctx, s, maxIterations(s.maxIter))
			return
		}
		e.step(ctx, s)
	}
}

// interrupted reports a cancellation requested through Cancel or the caller's
// context.
func (e *Engine) interrupted(ctx context.Context, s *session) error {
	if e.cancelRequested(s.run.ID) {
		return cancelled(context.Canceled)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return nil
}

func (e *Engine) step(ctx context.Context, s *session) {
	s.state.Iteration++
	s.run.Metrics.Iterations = s.state.Iteration

	ctx, span := e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(attribute.Int(telemetry.AttrRunIteration, s.state.Iteration)))
	defer span.End()

	mctx := s.memory.Context(ctx)
	if mctx.CompressedHistory != s.summary {
		s.summary = mctx.CompressedHistory
		e.emit(ctx, core.EventMemoryCompacted, s.run, map[string]any{"token_count": mctx.TokenCount})
	}

	resp, err := e.chat(ctx, s, mctx)
	if err != nil {
		span.RecordError(err)
		if ierr := e.interrupted(ctx, s); ierr != nil {
			e.fail(ctx, s, ierr)
			return
		}
		e.fail(ctx, s, wrapLLMError(err))
		return
	}
	e.recordUsage(ctx, s, resp)

	if len(resp.ToolCalls) == 0 {
		if strings.TrimSpace(resp.Content) == "" {
			e.fail(ctx, s, emptyResponse())
			return
		}
		s.append(core.Message{Role: core.RoleAssistant, Content: resp.Content})
		e.complete(ctx, s, resp.Content)
		return
	}

	calls := llm.ToCoreToolCalls(resp.ToolCalls)
	s.append(core.Message{Role: core.RoleAssistant, Content: resp.Content, ToolCalls: calls})
	s.state.Pending = calls
	span.SetAttributes(attribute.Int(telemetry.AttrRunToolCalls, len(calls)))
	e.drain(ctx, s)
}

// drain resolves the pending calls of the current step in order. It stops
// early when a call is blocked, needs approval or the run is cancelled.
func (e *Engine) drain(ctx context.Context, s *session) {
	for len(s.state.Pending) > 0 && s.run.Status == core.RunRunning {
		call := s.state.Pending[0]
		bound, known := s.tools[call.ToolName]

		switch {
		case !known:
			e.recordResult(ctx, s, core.ToolCallResult{
				ID:       call.ID,
				ToolName: call.ToolName,
				Input:    call.Input,
				Error:    fmt.Sprintf("tool %q is not available to this agent", call.ToolName),
			})
		case s.state.ApprovedCallID == call.ID:
			s.state.ApprovedCallID = ""
			e.execute(ctx, s, call, bound, core.BoolPtr(true))
		default:
			d := e.evaluate(ctx, s, call, bound)
			switch {
			case d.Blocked():
				e.recordResult(ctx, s, core.ToolCallResult{
					ID:       call.ID,
					ToolName: call.ToolName,
					Input:    call.Input,
					Error:    "blocked by policy: " + d.Reason,
					Approved: core.BoolPtr(false),
				})
				e.fail(ctx, s, policyViolation(d))
				return
			case d.NeedsApproval():
				e.suspend(ctx, s, call, d)
				return
			default:
				e.execute(ctx, s, call, bound, nil)
			}
		}

		if err := e.interrupted(ctx, s); err != nil {
			e.fail(ctx, s, err)
			return
		}
	}
}

// evaluate runs the policy over a proposed call. Tool and call approval
// flags turn any non-blocking verdict into require_approval.
func (e *Engine) evaluate(ctx context.Context, s *session, call core.ToolCall, bound boundTool) governance.Decision {
	facts := governance.ToolCallFacts(s.subject(), call.ToolName, string(bound.tool.Type), call.Input, governance.RunFacts{
		CostUSD:   s.run.Metrics.CostUSD,
		ToolCalls: s.run.Metrics.ToolCallsCount,
		Iteration: s.state.Iteration,
	})
	d := s.policy.Evaluate(ctx, facts)
	if d.Guardrail != nil {
		e.policyEvent(ctx, s, *d.Guardrail, call)
	}
	if !d.Blocked() && !d.NeedsApproval() && (bound.tool.RequiresApproval || call.RequiresApproval) {
		if d.Verdict != governance.VerdictAllow {
			e.policyEvent(ctx, s, d, call)
		}
		d = governance.Decision{
			Verdict: governance.VerdictRequireApproval,
			Reason:  fmt.Sprintf("tool %q requires approval", call.ToolName),
		}
	}
	if d.Verdict != governance.VerdictAllow {
		e.policyEvent(ctx, s, d, call)
	}
	return d
}

func (e *Engine) execute(ctx context.Context, s *session, call core.ToolCall, bound boundTool, approved *bool) {
	res := e.executor.Execute(ctx, tools.Request{
		CallID:   call.ID,
		ToolName: call.ToolName,
		Input:    call.Input,
		RunID:    s.run.ID,
		AgentID:  s.run.AgentID,
		TenantID: s.run.TenantID,
	}, bound.tool, bound.adapter)

	e.recordResult(ctx, s, core.ToolCallResult{
		ID:         call.ID,
		ToolName:   call.ToolName,
		Input:      call.Input,
		Output:     res.Output,
		Error:      res.Error,
		Approved:   approved,
		DurationMs: res.ExecutionTime.Milliseconds(),
	})
}

func (e *Engine) chat(ctx context.Context, s *session, mctx memory.Context) (*llm.ChatResponse, error) {
	msgs := buildMessages(s.def, mctx)
	req := llm.ChatRequest{
		Model:       s.target.Model,
		Messages:    msgs,
		Tools:       s.toolDefs,
		Temperature: e.cfg.Temperature,
		MaxTokens:   s.def.LLM.MaxTokens,
	}
	if s.def.LLM.Temperature != 0 {
		req.Temperature = s.def.LLM.Temperature
	}

	ctx, span := e.tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(telemetry.LLMAttributes(req.Model, s.target.Provider, len(msgs), s.stream)...))
	defer span.End()

	var (
		resp *llm.ChatResponse
		err  error
	)
	if s.stream {
		var chunks <-chan llm.StreamChunk
		chunks, err = s.model.ChatStream(ctx, req)
		if err == nil {
			resp, err = llm.Collect(ctx, chunks, e.deltaFunc(s.run.ID))
		}
	} else {
		resp, err = s.model.Chat(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens,
		len(resp.ToolCalls), resp.FinishReason)...)
	return resp, nil
}

func (e *Engine) deltaFunc(runID string) func(string) {
	if e.onDelta == nil {
		return nil
	}
	return func(delta string) { e.onDelta(runID, delta) }
}

// buildMessages renders the persona, the summary of folded history and the
// kept messages.
func buildMessages(def agents.Definition, mctx memory.Context) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: agents.SystemPrompt(def, mctx)}}
	if mctx.CompressedHistory != "" {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Summary of the earlier conversation:\n" + mctx.CompressedHistory,
		})
	}
	return append(msgs, llm.FromCoreMessages(mctx.History)...)
}

func (e *Engine) recordUsage(ctx context.Context, s *session, resp *llm.ChatResponse) {
	provider := resp.Provider
	if provider == "" {
		provider = s.target.Provider
	}
	model := resp.Model
	if model == "" {
		model = s.target.Model
	}
	rec, err := e.recorder.RecordUsage(ctx, accounting.UsageInput{
		TenantID:         s.run.TenantID,
		RunID:            s.run.ID,
		AgentID:          s.run.AgentID,
		Provider:         provider,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "engine.usage.persist.failed",
			slog.String("run_id", s.run.ID),
			slog.String("error", err.Error()),
		)
	}
	s.run.Metrics.ModelCalls++
	s.run.Metrics.CostUSD += rec.CostUSD
	s.run.Metrics.TokenUsage.Add(core.TokenUsage{
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
	})
	s.state.Metrics = s.run.Metrics
}
