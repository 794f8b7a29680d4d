package engine

import (
	"encoding/json"
	"fmt"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/memory"
)

// State is the working state of a run. It is only serialized while the run
// waits for an approval.
type State struct {
	RunID    string                `json:"run_id"`
	AgentID  string                `json:"agent_id"`
	Messages []core.Message        `json:"messages"`
	Pending  []core.ToolCall       `json:"pending,omitempty"`
	Results  []core.ToolCallResult `json:"results,omitempty"`
	// ApprovedCallID is the pending call that was granted and runs next
	// without another policy evaluation.
	ApprovedCallID string         `json:"approved_call_id,omitempty"`
	Memory         memory.Context `json:"memory"`
	Metrics        core.Metrics   `json:"metrics"`
	Status         core.RunStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	Iteration      int            `json:"iteration"`
}

func newState(run *core.AgentRun) *State {
	return &State{RunID: run.ID, AgentID: run.AgentID, Status: run.Status}
}

// Marshal encodes the snapshot.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState decodes a snapshot written by Marshal.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &s, nil
}

func (s *State) popPending() {
	if len(s.Pending) > 0 {
		s.Pending = s.Pending[1:]
	}
}

// unresolved reports call ids issued in this step that have no result yet.
func (s *State) unresolved() []core.ToolCall {
	return append([]core.ToolCall(nil), s.Pending...)
}
