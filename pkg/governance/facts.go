package governance

import "strings"

// Facts is the nested document predicates are evaluated against. Keys are
// addressed by dotted paths such as "tool.input.amount".
type Facts map[string]any

// Lookup resolves a dotted path.
func (f Facts) Lookup(path string) (any, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Action kinds.
const (
	KindInput    = "input"
	KindToolCall = "tool_call"
)

// Subject identifies who is acting.
type Subject struct {
	AgentID  string
	TenantID string
	RunID    string
}

// RunFacts are the running counters of the run under evaluation.
type RunFacts struct {
	CostUSD   float64
	ToolCalls int
	Iteration int
}

// InputFacts describes a user input about to enter a run.
func InputFacts(s Subject, text string) Facts {
	return Facts{
		"action": map[string]any{"kind": KindInput},
		"agent":  map[string]any{"id": s.AgentID},
		"tenant": map[string]any{"id": s.TenantID},
		"run":    map[string]any{"id": s.RunID},
		"text":   text,
	}
}

// ToolCallFacts describes a proposed tool call.
func ToolCallFacts(s Subject, toolName, toolType string, input map[string]any, run RunFacts) Facts {
	if input == nil {
		input = map[string]any{}
	}
	return Facts{
		"action": map[string]any{"kind": KindToolCall},
		"agent":  map[string]any{"id": s.AgentID},
		"tenant": map[string]any{"id": s.TenantID},
		"tool": map[string]any{
			"name":  toolName,
			"type":  toolType,
			"input": input,
		},
		"run": map[string]any{
			"id":         s.RunID,
			"cost_usd":   run.CostUSD,
			"tool_calls": run.ToolCalls,
			"iteration":  run.Iteration,
		},
		"text": textOf(input),
	}
}
