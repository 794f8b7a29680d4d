package accounting

import (
	"context"
	"fmt"

	"github.com/jllopis/watt/pkg/core"
)

// DefaultEscalationTool is the tool name whose use marks a run as not
// resolved at first contact.
const DefaultEscalationTool = "escalate"

// RunFinder lists an agent's runs.
type RunFinder interface {
	FindRuns(ctx context.Context, agentID string, tr *core.TimeRange) ([]*core.AgentRun, error)
}

// KPIs aggregates an agent's runs.
type KPIs struct {
	AgentID            string  `json:"agent_id"`
	TotalRuns          int     `json:"total_runs"`
	CompletedRuns      int     `json:"completed_runs"`
	FailedRuns         int     `json:"failed_runs"`
	SuccessRate        float64 `json:"success_rate"`
	FCRRate            float64 `json:"fcr_rate"`
	AvgLeadTimeMinutes float64 `json:"avg_lead_time_minutes"`
	AvgCostUSD         float64 `json:"avg_cost_usd"`
	ToolEfficiency     float64 `json:"tool_efficiency"`
}

// Calculator computes KPIs from stored runs.
type Calculator struct {
	runs           RunFinder
	escalationTool string
}

// NewCalculator creates a calculator. An empty escalationTool uses the default.
func NewCalculator(runs RunFinder, escalationTool string) *Calculator {
	if escalationTool == "" {
		escalationTool = DefaultEscalationTool
	}
	return &Calculator{runs: runs, escalationTool: escalationTool}
}

// Calculate aggregates the agent's runs created in tr.
func (c *Calculator) Calculate(ctx context.Context, agentID string, tr *core.TimeRange) (KPIs, error) {
	runs, err := c.runs.FindRuns(ctx, agentID, tr)
	if err != nil {
		return KPIs{AgentID: agentID}, fmt.Errorf("calculate kpis: %w", err)
	}
	k := Compute(runs, c.escalationTool)
	k.AgentID = agentID
	return k, nil
}

// Compute aggregates runs. Success and first-contact resolution are over all
// runs; lead time, cost and tool efficiency are over completed runs.
func Compute(runs []*core.AgentRun, escalationTool string) KPIs {
	var k KPIs
	k.TotalRuns = len(runs)
	if k.TotalRuns == 0 {
		return k
	}

	var (
		resolved   int
		leadMs     float64
		cost       float64
		efficiency float64
		withCalls  int
	)
	for _, r := range runs {
		if !escalated(r, escalationTool) {
			resolved++
		}
		switch r.Status {
		case core.RunFailed:
			k.FailedRuns++
		case core.RunCompleted:
			k.CompletedRuns++
			leadMs += float64(r.Metrics.DurationMs)
			cost += r.Metrics.CostUSD
			if n := len(r.ToolCalls); n > 0 {
				efficiency += float64(len(r.Output)) / float64(n)
				withCalls++
			}
		}
	}

	k.SuccessRate = float64(k.CompletedRuns) / float64(k.TotalRuns)
	k.FCRRate = float64(resolved) / float64(k.TotalRuns)
	if k.CompletedRuns > 0 {
		k.AvgLeadTimeMinutes = leadMs / float64(k.CompletedRuns) / 1000 / 60
		k.AvgCostUSD = cost / float64(k.CompletedRuns)
	}
	if withCalls > 0 {
		k.ToolEfficiency = efficiency / float64(withCalls)
	}
	return k
}

func escalated(r *core.AgentRun, tool string) bool {
	for _, tc := range r.ToolCalls {
		if tc.ToolName == tool {
			return true
		}
	}
	return false
}
