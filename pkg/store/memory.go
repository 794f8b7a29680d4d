package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/governance"
)

// Memory keeps everything in process. Runs are cloned on the way in and out.
type Memory struct {
	*governance.MemoryApprovalStore

	mu     sync.RWMutex
	runs   map[string]*core.AgentRun
	usage  []core.UsageRecord
	states map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		MemoryApprovalStore: governance.NewMemoryApprovalStore(),
		runs:                make(map[string]*core.AgentRun),
		states:              make(map[string][]byte),
	}
}

func (m *Memory) SaveRun(_ context.Context, run *core.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*core.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (m *Memory) FindRuns(_ context.Context, agentID string, tr *core.TimeRange) ([]*core.AgentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AgentRun
	for _, run := range m.runs {
		if run.AgentID == agentID && tr.Contains(run.CreatedAt) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveUsage(_ context.Context, rec core.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

func (m *Memory) FindUsage(_ context.Context, tenantID string, tr *core.TimeRange) ([]core.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.UsageRecord
	for _, rec := range m.usage {
		if rec.TenantID == tenantID && tr.Contains(rec.CreatedAt) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveState(_ context.Context, runID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[runID] = append([]byte(nil), state...)
	return nil
}

func (m *Memory) LoadState(_ context.Context, runID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (m *Memory) DeleteState(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, runID)
	return nil
}

func (m *Memory) Close() error { return nil }
