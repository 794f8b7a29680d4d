package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a semantic event emitted while driving a run.
type EventType string

const (
	EventRunStarted      EventType = "run.started"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunWaiting      EventType = "run.waiting_approval"
	EventRunResumed      EventType = "run.resumed"
	EventToolExecuted    EventType = "tool.executed"
	EventPolicyVerdict   EventType = "policy.verdict"
	EventMemoryCompacted EventType = "memory.compacted"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	AgentID   string
	RunID     string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EventRecorder keeps every emitted event in memory.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements EventEmitter.
func (r *EventRecorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, agentID, runID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		AgentID:   agentID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
