package governance

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GuardrailSpec is the declarative guardrail form.
type GuardrailSpec struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"name"`
	When    PredicateSpec `yaml:"when"`
	Action  Action        `yaml:"action"`
	Message string        `yaml:"message"`
}

// WorkflowSpec is the declarative approval workflow form.
type WorkflowSpec struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name"`
	Trigger      PredicateSpec `yaml:"trigger"`
	ApproverRole string        `yaml:"approver_role"`
	Timeout      string        `yaml:"timeout"`
}

// PolicySpec is the file and agent-definition form of a Policy.
type PolicySpec struct {
	Guardrails        []GuardrailSpec `yaml:"guardrails"`
	ApprovalWorkflows []WorkflowSpec  `yaml:"approval_workflows"`
}

// Build compiles the spec. defaultTimeout applies to workflows without one.
func (s PolicySpec) Build(defaultTimeout time.Duration) (Policy, error) {
	var p Policy
	for i, g := range s.Guardrails {
		if g.ID == "" {
			g.ID = fmt.Sprintf("guardrail-%d", i+1)
		}
		switch g.Action {
		case ActionBlock, ActionRequireApproval, ActionWarn, ActionLog:
		default:
			return Policy{}, fmt.Errorf("guardrail %s: unknown action %q", g.ID, g.Action)
		}
		cond, err := g.When.Build()
		if err != nil {
			return Policy{}, fmt.Errorf("guardrail %s: %w", g.ID, err)
		}
		p.Guardrails = append(p.Guardrails, Guardrail{
			ID:        g.ID,
			Name:      g.Name,
			Condition: cond,
			Action:    g.Action,
			Message:   g.Message,
		})
	}
	for i, w := range s.ApprovalWorkflows {
		if w.ID == "" {
			w.ID = fmt.Sprintf("workflow-%d", i+1)
		}
		trigger, err := w.Trigger.Build()
		if err != nil {
			return Policy{}, fmt.Errorf("workflow %s: %w", w.ID, err)
		}
		timeout := defaultTimeout
		if w.Timeout != "" {
			timeout, err = time.ParseDuration(w.Timeout)
			if err != nil || timeout <= 0 {
				return Policy{}, fmt.Errorf("workflow %s: invalid timeout %q", w.ID, w.Timeout)
			}
		}
		p.Workflows = append(p.Workflows, ApprovalWorkflow{
			ID:           w.ID,
			Name:         w.Name,
			Trigger:      trigger,
			ApproverRole: w.ApproverRole,
			Timeout:      timeout,
		})
	}
	return p, nil
}

// Merge appends other's rules after s's.
func (s PolicySpec) Merge(other PolicySpec) PolicySpec {
	return PolicySpec{
		Guardrails:        append(append([]GuardrailSpec(nil), s.Guardrails...), other.Guardrails...),
		ApprovalWorkflows: append(append([]WorkflowSpec(nil), s.ApprovalWorkflows...), other.ApprovalWorkflows...),
	}
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (PolicySpec, error) {
	var spec PolicySpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return PolicySpec{}, fmt.Errorf("parse policy: %w", err)
	}
	return spec, nil
}

// LoadPolicyFile reads a YAML policy file. An empty path yields an empty spec.
func LoadPolicyFile(path string) (PolicySpec, error) {
	if path == "" {
		return PolicySpec{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicySpec{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}
