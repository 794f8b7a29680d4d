// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/llm"
)

// RunAssertions checks a finished or suspended run. Every method reports
// through t.Errorf and returns the receiver for chaining.
type RunAssertions struct {
	t   *testing.T
	run *core.AgentRun
}

// AssertRun starts assertions on run. A nil run fails the test immediately.
func AssertRun(t *testing.T, run *core.AgentRun) *RunAssertions {
	t.Helper()
	if run == nil {
		t.Fatal("run is nil")
	}
	return &RunAssertions{t: t, run: run}
}

// HasStatus asserts the run status.
func (a *RunAssertions) HasStatus(status core.RunStatus) *RunAssertions {
	a.t.Helper()
	if a.run.Status != status {
		a.t.Errorf("expected status %s, got %s (%s)", status, a.run.Status, a.run.Error)
	}
	return a
}

// Completed asserts the run completed with a non-empty output.
func (a *RunAssertions) Completed() *RunAssertions {
	a.t.Helper()
	a.HasStatus(core.RunCompleted)
	if a.run.Output == "" {
		a.t.Error("expected an output")
	}
	return a
}

// FailedWith asserts the run failed with code.
func (a *RunAssertions) FailedWith(code errors.ErrorCode) *RunAssertions {
	a.t.Helper()
	a.HasStatus(core.RunFailed)
	if a.run.ErrorCode != string(code) {
		a.t.Errorf("expected error code %s, got %q (%s)", code, a.run.ErrorCode, a.run.Error)
	}
	if a.run.Error == "" {
		a.t.Error("expected a failure message")
	}
	return a
}

// WaitingOn asserts the run waits for approval of toolName.
func (a *RunAssertions) WaitingOn(toolName string) *RunAssertions {
	a.t.Helper()
	a.HasStatus(core.RunWaitingApproval)
	if a.run.PendingApproval == nil {
		a.t.Error("expected a pending approval")
		return a
	}
	if a.run.PendingApproval.ToolName != toolName {
		a.t.Errorf("expected approval for %q, got %q", toolName, a.run.PendingApproval.ToolName)
	}
	return a
}

// OutputContains asserts the output contains substr.
func (a *RunAssertions) OutputContains(substr string) *RunAssertions {
	a.t.Helper()
	if !strings.Contains(a.run.Output, substr) {
		a.t.Errorf("output %q does not contain %q", a.run.Output, substr)
	}
	return a
}

// HasToolCallCount asserts the number of tool results.
func (a *RunAssertions) HasToolCallCount(n int) *RunAssertions {
	a.t.Helper()
	if len(a.run.ToolCalls) != n {
		a.t.Errorf("expected %d tool calls, got %d: %s", n, len(a.run.ToolCalls), FormatResults(a.run.ToolCalls))
	}
	return a
}

// CalledTool asserts a successful result exists for toolName.
func (a *RunAssertions) CalledTool(toolName string) *RunAssertions {
	a.t.Helper()
	for _, r := range a.run.ToolCalls {
		if r.ToolName == toolName && r.Succeeded() {
			return a
		}
	}
	a.t.Errorf("no successful call of %q in %s", toolName, FormatResults(a.run.ToolCalls))
	return a
}

// Approved asserts the result of callID carries the given approval flag.
func (a *RunAssertions) Approved(callID string, approved bool) *RunAssertions {
	a.t.Helper()
	for _, r := range a.run.ToolCalls {
		if r.ID != callID {
			continue
		}
		if r.Approved == nil || *r.Approved != approved {
			a.t.Errorf("call %s: expected approved=%v, got %v", callID, approved, r.Approved)
		}
		return a
	}
	a.t.Errorf("no result for call %s", callID)
	return a
}

// ResultsPaired asserts each call id has exactly one result and the counter
// matches.
func (a *RunAssertions) ResultsPaired() *RunAssertions {
	a.t.Helper()
	seen := make(map[string]int, len(a.run.ToolCalls))
	for _, r := range a.run.ToolCalls {
		seen[r.ID]++
		if seen[r.ID] == 2 {
			a.t.Errorf("call %s has more than one result", r.ID)
		}
	}
	if a.run.Metrics.ToolCallsCount != len(a.run.ToolCalls) {
		a.t.Errorf("tool_calls_count %d does not match %d results", a.run.Metrics.ToolCallsCount, len(a.run.ToolCalls))
	}
	return a
}

// HasPolicyEvent asserts a policy event with verdict was recorded.
func (a *RunAssertions) HasPolicyEvent(verdict string) *RunAssertions {
	a.t.Helper()
	for _, ev := range a.run.PolicyEvents {
		if ev.Verdict == verdict {
			return a
		}
	}
	a.t.Errorf("no %s policy event in %+v", verdict, a.run.PolicyEvents)
	return a
}

// RequestAssertions checks a request sent to the model gateway.
type RequestAssertions struct {
	t   *testing.T
	req *llm.ChatRequest
}

// AssertRequest starts assertions on req. A nil request fails the test
// immediately.
func AssertRequest(t *testing.T, req *llm.ChatRequest) *RequestAssertions {
	t.Helper()
	if req == nil {
		t.Fatal("request is nil")
	}
	return &RequestAssertions{t: t, req: req}
}

// HasModel asserts the request uses the given model.
func (r *RequestAssertions) HasModel(model string) *RequestAssertions {
	r.t.Helper()
	if r.req.Model != model {
		r.t.Errorf("expected model %q, got %q", model, r.req.Model)
	}
	return r
}

// HasMessageCount asserts the number of messages in the request.
func (r *RequestAssertions) HasMessageCount(count int) *RequestAssertions {
	r.t.Helper()
	if len(r.req.Messages) != count {
		r.t.Errorf("expected %d messages, got %d", count, len(r.req.Messages))
	}
	return r
}

// HasSystemMessage asserts a system message contains the given text.
func (r *RequestAssertions) HasSystemMessage(contains string) *RequestAssertions {
	r.t.Helper()
	return r.hasMessage(llm.RoleSystem, contains)
}

// HasUserMessage asserts a user message contains the given text.
func (r *RequestAssertions) HasUserMessage(contains string) *RequestAssertions {
	r.t.Helper()
	return r.hasMessage(llm.RoleUser, contains)
}

// HasToolResult asserts the tool output for callID was fed back.
func (r *RequestAssertions) HasToolResult(callID string) *RequestAssertions {
	r.t.Helper()
	for _, msg := range r.req.Messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID == callID {
			return r
		}
	}
	r.t.Errorf("no tool message for call %s", callID)
	return r
}

func (r *RequestAssertions) hasMessage(role llm.Role, contains string) *RequestAssertions {
	r.t.Helper()
	for _, msg := range r.req.Messages {
		if msg.Role == role && strings.Contains(msg.Content, contains) {
			return r
		}
	}
	r.t.Errorf("no %s message containing %q found", role, contains)
	return r
}

// HasTool asserts a tool with the given name was offered.
func (r *RequestAssertions) HasTool(name string) *RequestAssertions {
	r.t.Helper()
	for _, tool := range r.req.Tools {
		if tool.Function.Name == name {
			return r
		}
	}
	r.t.Errorf("tool %q not found in request", name)
	return r
}

// HasToolCount asserts the number of tools offered.
func (r *RequestAssertions) HasToolCount(count int) *RequestAssertions {
	r.t.Helper()
	if len(r.req.Tools) != count {
		r.t.Errorf("expected %d tools, got %d", count, len(r.req.Tools))
	}
	return r
}

// AssertToolCallArgs checks the tool name and decodes the arguments.
func AssertToolCallArgs(t *testing.T, tc llm.ToolCall, expectedName string) map[string]any {
	t.Helper()
	if tc.Function.Name != expectedName {
		t.Errorf("expected tool %q, got %q", expectedName, tc.Function.Name)
	}
	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			t.Errorf("failed to parse tool arguments: %v", err)
			return nil
		}
	}
	return args
}

// FormatResults formats tool results for error messages.
func FormatResults(results []core.ToolCallResult) string {
	if len(results) == 0 {
		return "(none)"
	}
	parts := make([]string, len(results))
	for i, r := range results {
		status := "ok"
		if !r.Succeeded() {
			status = r.Error
		}
		parts[i] = fmt.Sprintf("%s:%s", r.ToolName, status)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
