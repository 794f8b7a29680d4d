// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for Watt spans and metrics.
const (
	// Run attributes
	AttrAgentID       = "watt.agent.id"
	AttrTenantID      = "watt.tenant.id"
	AttrRunID         = "watt.run.id"
	AttrRunStatus     = "watt.run.status"
	AttrRunIteration  = "watt.run.iteration"
	AttrRunMaxIter    = "watt.run.max_iterations"
	AttrRunErrorCode  = "watt.run.error_code"
	AttrRunResumed    = "watt.run.resumed"
	AttrRunToolCalls  = "watt.run.tool_calls"
	AttrRunCostUSD    = "watt.run.cost_usd"
	AttrRunDurationMs = "watt.run.duration_ms"

	// Tool attributes
	AttrToolName       = "watt.tool.name"
	AttrToolType       = "watt.tool.type"
	AttrToolCallID     = "watt.tool.call_id"
	AttrToolDurationMs = "watt.tool.duration_ms"
	AttrToolSuccess    = "watt.tool.success"
	AttrToolTimedOut   = "watt.tool.timed_out"
	AttrToolArgs       = "watt.tool.arguments"
	AttrToolResult     = "watt.tool.result"

	// Governance attributes
	AttrPolicyVerdict  = "watt.policy.verdict"
	AttrPolicyRuleID   = "watt.policy.rule_id"
	AttrPolicyWorkflow = "watt.policy.workflow_id"
	AttrApprovalID     = "watt.approval.id"
	AttrApprovalStatus = "watt.approval.status"

	// Memory attributes
	AttrMemoryTokens     = "watt.memory.token_count"
	AttrMemoryCompressed = "watt.memory.compressed"

	// LLM attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMToolCalls    = "gen_ai.tool_calls"
	AttrLLMFinishReason = "gen_ai.finish_reason"
	AttrLLMStreaming    = "gen_ai.streaming"
)

// RunAttributes returns common attributes for run spans.
func RunAttributes(agentID, tenantID, runID string, maxIter int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrAgentID, agentID),
		attribute.String(AttrRunID, runID),
	}
	if tenantID != "" {
		attrs = append(attrs, attribute.String(AttrTenantID, tenantID))
	}
	if maxIter > 0 {
		attrs = append(attrs, attribute.Int(AttrRunMaxIter, maxIter))
	}
	return attrs
}

// RunOutcomeAttributes describes a run once it stops, terminal or waiting.
func RunOutcomeAttributes(status, errorCode string, toolCalls int, costUSD float64, durationMs int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunStatus, status),
		attribute.Int(AttrRunToolCalls, toolCalls),
		attribute.Float64(AttrRunCostUSD, costUSD),
		attribute.Int64(AttrRunDurationMs, durationMs),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String(AttrRunErrorCode, errorCode))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a tool call span.
func ToolCallAttributes(name, toolType, callID string, durationMs float64, success, timedOut bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolType, toolType),
		attribute.String(AttrToolCallID, callID),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
		attribute.Bool(AttrToolTimedOut, timedOut),
	}
}

// ToolCallArgsResult returns attributes with tool arguments and result (truncated for safety).
func ToolCallArgsResult(args, result string, maxLen int) []attribute.KeyValue {
	if maxLen <= 0 {
		maxLen = 500
	}
	var attrs []attribute.KeyValue
	if args != "" {
		attrs = append(attrs, attribute.String(AttrToolArgs, truncate(args, maxLen)))
	}
	if result != "" {
		attrs = append(attrs, attribute.String(AttrToolResult, truncate(result, maxLen)))
	}
	return attrs
}

// PolicyAttributes returns attributes for a guardrail decision.
func PolicyAttributes(verdict, ruleID, workflowID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrPolicyVerdict, verdict)}
	if ruleID != "" {
		attrs = append(attrs, attribute.String(AttrPolicyRuleID, ruleID))
	}
	if workflowID != "" {
		attrs = append(attrs, attribute.String(AttrPolicyWorkflow, workflowID))
	}
	return attrs
}

// LLMAttributes returns attributes for LLM call spans.
func LLMAttributes(model, provider string, msgCount int, streaming bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
		attribute.Bool(AttrLLMStreaming, streaming),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens, toolCalls int, finishReason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Int(AttrLLMTokensOutput, outputTokens),
		attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens),
	}
	if toolCalls > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCalls))
	}
	if finishReason != "" {
		attrs = append(attrs, attribute.String(AttrLLMFinishReason, finishReason))
	}
	return attrs
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
