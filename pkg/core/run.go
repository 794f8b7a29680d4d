// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the run model shared by every Watt component: runs and
// their status machine, messages, tool calls and results, usage records and
// semantic events.
package core

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of an AgentRun.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not permitted.
var ErrInvalidTransition = errors.New("invalid run status transition")

var transitions = map[RunStatus][]RunStatus{
	RunPending:         {RunRunning},
	RunRunning:         {RunCompleted, RunFailed, RunWaitingApproval},
	RunWaitingApproval: {RunRunning, RunFailed},
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunWaitingApproval, RunCompleted, RunFailed:
		return true
	}
	return false
}

// TokenUsage aggregates token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Metrics is the running and final measurement snapshot of a run.
type Metrics struct {
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	TokenUsage     TokenUsage `json:"token_usage"`
	CostUSD        float64    `json:"cost_usd"`
	ToolCallsCount int        `json:"tool_calls_count"`
	ModelCalls     int        `json:"model_calls"`
	Iterations     int        `json:"iterations"`
}

// PolicyEvent records a non-allow guardrail verdict observed during a run.
type PolicyEvent struct {
	RuleID    string    `json:"rule_id,omitempty"`
	Verdict   string    `json:"verdict"`
	Reason    string    `json:"reason,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingApproval describes what a waiting run is blocked on.
type PendingApproval struct {
	ApprovalID string    `json:"approval_id"`
	CallID     string    `json:"call_id"`
	ToolName   string    `json:"tool_name"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AgentRun is one execution attempt of an agent against one input.
type AgentRun struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id"`
	TenantID        string           `json:"tenant_id,omitempty"`
	UserID          string           `json:"user_id,omitempty"`
	Input           string           `json:"input"`
	Output          string           `json:"output,omitempty"`
	Status          RunStatus        `json:"status"`
	Error           string           `json:"error,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	Metrics         Metrics          `json:"metrics"`
	ToolCalls       []ToolCallResult `json:"tool_calls"`
	PolicyEvents    []PolicyEvent    `json:"policy_events,omitempty"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
}

// NewRun creates a pending run.
func NewRun(id, agentID, tenantID, userID, input string) *AgentRun {
	return &AgentRun{
		ID:        id,
		AgentID:   agentID,
		TenantID:  tenantID,
		UserID:    userID,
		Input:     input,
		Status:    RunPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Transition moves the run to next, stamping start and end times.
func (r *AgentRun) Transition(next RunStatus) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	now := time.Now().UTC()
	if next == RunRunning && r.StartedAt == nil {
		r.StartedAt = &now
		r.Metrics.StartTime = now
	}
	if next.Terminal() {
		r.EndedAt = &now
		r.Metrics.EndTime = &now
		if r.StartedAt != nil {
			r.Metrics.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
		}
	}
	r.Status = next
	return nil
}

// Duration is the wall-clock time between start and end; zero until terminal.
func (r *AgentRun) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Clone returns a deep copy suitable for handing to other goroutines.
func (r *AgentRun) Clone() *AgentRun {
	if r == nil {
		return nil
	}
	out := *r
	out.ToolCalls = make([]ToolCallResult, len(r.ToolCalls))
	for i, tc := range r.ToolCalls {
		out.ToolCalls[i] = tc.Clone()
	}
	out.PolicyEvents = append([]PolicyEvent(nil), r.PolicyEvents...)
	if r.PendingApproval != nil {
		pa := *r.PendingApproval
		out.PendingApproval = &pa
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.EndedAt = cloneTime(r.EndedAt)
	out.Metrics.EndTime = cloneTime(r.Metrics.EndTime)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
