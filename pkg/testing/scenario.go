// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing drives agents end to end against an engine with a scripted
// model gateway (ScenarioProvider), fake tool adapters and declarative
// scenarios:
//
//	scenario := testing.NewScenario("refund").
//	    ForAgent("support").
//	    WithInput("refund order 7").
//	    ThenApprove("ok").
//	    ExpectStatus(core.RunCompleted).
//	    ExpectToolCall("refund")
//
//	scenario.Run(t, eng, events).Assert(t, scenario)
package testing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/errors"
)

// Runner starts runs and resolves their approvals. *engine.Engine
// implements it.
type Runner interface {
	Run(ctx context.Context, req engine.RunRequest) (*core.AgentRun, error)
	Approve(ctx context.Context, approvalID, reason string) (*core.AgentRun, error)
	Deny(ctx context.Context, approvalID, reason string) (*core.AgentRun, error)
}

// Expectation is a named condition over a ScenarioResult.
type Expectation struct {
	Name  string
	Check func(r *ScenarioResult) error
}

type decision struct {
	grant  bool
	reason string
}

// Scenario is one agent interaction and what must hold afterwards.
type Scenario struct {
	name      string
	req       engine.RunRequest
	timeout   time.Duration
	decisions []decision
	expect    []Expectation
}

// ScenarioResult is what running a scenario produced. Run is the last run
// snapshot, after any approval steps.
type ScenarioResult struct {
	Run       *core.AgentRun
	Output    string
	Error     error
	Events    []core.Event
	Duration  time.Duration
	Approvals []string
}

// ToolCalls returns the tool results of the run, if any.
func (r *ScenarioResult) ToolCalls() []core.ToolCallResult {
	if r.Run == nil {
		return nil
	}
	return r.Run.ToolCalls
}

// NewScenario creates a scenario bounded to 30 seconds.
func NewScenario(name string) *Scenario {
	return &Scenario{name: name, timeout: 30 * time.Second}
}

func (s *Scenario) ForAgent(id string) *Scenario {
	s.req.AgentID = id
	return s
}

func (s *Scenario) WithInput(input string) *Scenario {
	s.req.Input = input
	return s
}

func (s *Scenario) WithUser(id string) *Scenario {
	s.req.UserID = id
	return s
}

func (s *Scenario) WithTenant(id string) *Scenario {
	s.req.TenantID = id
	return s
}

// WithTimeout bounds the whole scenario, approval steps included.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// ThenApprove grants the next approval the run waits on. Steps apply in
// order; a step with no waiting run fails the scenario.
func (s *Scenario) ThenApprove(reason string) *Scenario {
	s.decisions = append(s.decisions, decision{grant: true, reason: reason})
	return s
}

// ThenDeny rejects the next approval the run waits on.
func (s *Scenario) ThenDeny(reason string) *Scenario {
	s.decisions = append(s.decisions, decision{reason: reason})
	return s
}

// Expect adds a custom expectation.
func (s *Scenario) Expect(name string, check func(r *ScenarioResult) error) *Scenario {
	s.expect = append(s.expect, Expectation{Name: name, Check: check})
	return s
}

func (s *Scenario) ExpectStatus(status core.RunStatus) *Scenario {
	return s.Expect("status "+string(status), func(r *ScenarioResult) error {
		if r.Run == nil {
			return fmt.Errorf("no run (error: %v)", r.Error)
		}
		if r.Run.Status != status {
			return fmt.Errorf("status is %s (%s)", r.Run.Status, r.Run.Error)
		}
		return nil
	})
}

// ExpectErrorCode matches the failed run's code, or the returned error when
// the engine refused to start a run.
func (s *Scenario) ExpectErrorCode(code errors.ErrorCode) *Scenario {
	return s.Expect("error code "+string(code), func(r *ScenarioResult) error {
		if r.Run == nil {
			if errors.IsCode(r.Error, code) {
				return nil
			}
			return fmt.Errorf("no run and error %v", r.Error)
		}
		if r.Run.ErrorCode != string(code) {
			return fmt.Errorf("error code is %q", r.Run.ErrorCode)
		}
		return nil
	})
}

func (s *Scenario) ExpectOutput(m StringMatcher) *Scenario {
	return s.Expect("output "+m.Description(), func(r *ScenarioResult) error {
		if !m.Match(r.Output) {
			return fmt.Errorf("output %q", r.Output)
		}
		return nil
	})
}

func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect("no error", func(r *ScenarioResult) error { return r.Error })
}

func (s *Scenario) ExpectError(m StringMatcher) *Scenario {
	return s.Expect("error "+m.Description(), func(r *ScenarioResult) error {
		if r.Error == nil || !m.Match(r.Error.Error()) {
			return fmt.Errorf("error is %v", r.Error)
		}
		return nil
	})
}

func (s *Scenario) ExpectToolCall(toolName string) *Scenario {
	return s.Expect(fmt.Sprintf("tool %q called", toolName), func(r *ScenarioResult) error {
		for _, tc := range r.ToolCalls() {
			if tc.ToolName == toolName {
				return nil
			}
		}
		return fmt.Errorf("results: %s", FormatResults(r.ToolCalls()))
	})
}

func (s *Scenario) ExpectNoToolCalls() *Scenario {
	return s.Expect("no tool calls", func(r *ScenarioResult) error {
		if calls := r.ToolCalls(); len(calls) > 0 {
			return fmt.Errorf("results: %s", FormatResults(calls))
		}
		return nil
	})
}

func (s *Scenario) ExpectPendingApproval(toolName string) *Scenario {
	return s.Expect(fmt.Sprintf("approval pending for %q", toolName), func(r *ScenarioResult) error {
		if r.Run == nil || r.Run.PendingApproval == nil {
			return fmt.Errorf("run is not waiting for approval")
		}
		if got := r.Run.PendingApproval.ToolName; got != toolName {
			return fmt.Errorf("waiting on %q", got)
		}
		return nil
	})
}

func (s *Scenario) ExpectEvent(eventType core.EventType) *Scenario {
	return s.Expect(fmt.Sprintf("event %q emitted", eventType), func(r *ScenarioResult) error {
		for _, ev := range r.Events {
			if ev.Type == eventType {
				return nil
			}
		}
		return fmt.Errorf("not among %d events", len(r.Events))
	})
}

func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(fmt.Sprintf("duration <= %v", d), func(r *ScenarioResult) error {
		if r.Duration > d {
			return fmt.Errorf("took %v", r.Duration)
		}
		return nil
	})
}

// Run executes the scenario and its approval steps. events may be nil; when
// set it must be the emitter the engine was built with.
func (s *Scenario) Run(t *testing.T, runner Runner, events *EventCollector) *ScenarioResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	mark := 0
	if events != nil {
		mark = events.Count()
	}
	start := time.Now()
	res := &ScenarioResult{}
	res.Run, res.Error = runner.Run(ctx, s.req)
	for i, d := range s.decisions {
		if res.Error != nil {
			break
		}
		if res.Run == nil || res.Run.PendingApproval == nil {
			t.Errorf("scenario %q: approval step %d has no waiting run", s.name, i+1)
			break
		}
		id := res.Run.PendingApproval.ApprovalID
		res.Approvals = append(res.Approvals, id)
		resolve := runner.Deny
		if d.grant {
			resolve = runner.Approve
		}
		res.Run, res.Error = resolve(ctx, id, d.reason)
	}
	res.Duration = time.Since(start)
	if res.Run != nil {
		res.Output = res.Run.Output
	}
	if events != nil {
		res.Events = events.Events()[mark:]
	}
	return res
}

// Assert reports every failed expectation to t.
func (r *ScenarioResult) Assert(t *testing.T, scenario *Scenario) {
	t.Helper()
	for _, exp := range scenario.expect {
		if err := exp.Check(r); err != nil {
			t.Errorf("scenario %q: expected %s: %v", scenario.name, exp.Name, err)
		}
	}
}

// StringMatcher is a described string predicate.
type StringMatcher struct {
	desc  string
	match func(string) bool
}

func (m StringMatcher) Match(s string) bool { return m.match(s) }

func (m StringMatcher) Description() string { return m.desc }

func Contains(substr string) StringMatcher {
	return StringMatcher{fmt.Sprintf("contains %q", substr), func(s string) bool { return strings.Contains(s, substr) }}
}

func Equals(expected string) StringMatcher {
	return StringMatcher{fmt.Sprintf("equals %q", expected), func(s string) bool { return s == expected }}
}

// Regex panics on an invalid pattern.
func Regex(pattern string) StringMatcher {
	re := regexp.MustCompile(pattern)
	return StringMatcher{fmt.Sprintf("matches %q", pattern), re.MatchString}
}

// EventCollector is a core.EventEmitter that keeps every event.
type EventCollector struct {
	mu     sync.Mutex
	events []core.Event
}

func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

func (c *EventCollector) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything collected so far.
func (c *EventCollector) Events() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.events...)
}

func (c *EventCollector) HasEvent(eventType core.EventType) bool {
	for _, ev := range c.Events() {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func (c *EventCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

var _ core.EventEmitter = (*EventCollector)(nil)
