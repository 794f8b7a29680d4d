// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ApprovalStatus is the lifecycle state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

var (
	// ErrApprovalNotFound is returned for unknown approval IDs.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrNotPending is returned when resolving an approval that was already resolved.
	ErrNotPending = errors.New("approval is not pending")
)

// ApprovalRecord is a human decision a suspended run waits on.
type ApprovalRecord struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	AgentID      string         `json:"agent_id"`
	TenantID     string         `json:"tenant_id,omitempty"`
	CallID       string         `json:"call_id"`
	ToolName     string         `json:"tool_name"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	RuleID       string         `json:"rule_id,omitempty"`
	ApproverRole string         `json:"approver_role,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Status       ApprovalStatus `json:"status"`
	Resolution   string         `json:"resolution,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

// Pending reports whether the record still awaits a decision.
func (r ApprovalRecord) Pending() bool { return r.Status == ApprovalPending }

// Overdue reports whether r is still pending at now but past its deadline.
func (r ApprovalRecord) Overdue(now time.Time) bool {
	return r.Pending() && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// ApprovalFilter narrows List results. Zero fields match everything.
type ApprovalFilter struct {
	Status   ApprovalStatus
	AgentID  string
	TenantID string
	RunID    string
}

// Match reports whether r passes the filter.
func (f ApprovalFilter) Match(r ApprovalRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	return true
}

// ApprovalStore persists approval records. Resolve is a compare-and-set
// from pending: exactly one caller wins for each record.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, rec ApprovalRecord) error
	GetApproval(ctx context.Context, id string) (ApprovalRecord, error)
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus, resolution string, at time.Time) (ApprovalRecord, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]ApprovalRecord, error)
	ExpiredApprovals(ctx context.Context, now time.Time) ([]ApprovalRecord, error)
}

// MemoryApprovalStore is an in-process ApprovalStore.
type MemoryApprovalStore struct {
	mu      sync.Mutex
	records map[string]ApprovalRecord
}

// NewMemoryApprovalStore creates an empty store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{records: make(map[string]ApprovalRecord)}
}

func (s *MemoryApprovalStore) CreateApproval(_ context.Context, rec ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == "" {
		rec.Status = ApprovalPending
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryApprovalStore) GetApproval(_ context.Context, id string) (ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ApprovalRecord{}, ErrApprovalNotFound
	}
	return rec, nil
}

func (s *MemoryApprovalStore) ResolveApproval(_ context.Context, id string, status ApprovalStatus, resolution string, at time.Time) (ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ApprovalRecord{}, ErrApprovalNotFound
	}
	if rec.Status != ApprovalPending {
		return rec, ErrNotPending
	}
	rec.Status = status
	rec.Resolution = resolution
	rec.ResolvedAt = &at
	s.records[id] = rec
	return rec, nil
}

func (s *MemoryApprovalStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ApprovalRecord
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryApprovalStore) ExpiredApprovals(_ context.Context, now time.Time) ([]ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ApprovalRecord
	for _, rec := range s.records {
		if rec.Overdue(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
