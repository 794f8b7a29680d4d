// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine drives agent runs: a bounded loop of model calls and tool
// calls under policy control, suspended while a human approves an action and
// persisted once per Run or Resume call.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/accounting"
	"github.com/jllopis/watt/pkg/agents"
	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/llm"
	"github.com/jllopis/watt/pkg/memory"
	"github.com/jllopis/watt/pkg/store"
	"github.com/jllopis/watt/pkg/telemetry"
	"github.com/jllopis/watt/pkg/tools"
)

const (
	DefaultMaxIterations   = 10
	DefaultApprovalTimeout = time.Hour
)

// Config holds the engine-wide defaults agents may override.
type Config struct {
	MaxIterations   int
	ApprovalTimeout time.Duration
	Stream          bool
	PIIMode         governance.PIIMode
	Memory          memory.Config
	// Model is used when the agent names no provider or model.
	Model          llm.Target
	Temperature    float64
	EscalationTool string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   DefaultMaxIterations,
		ApprovalTimeout: DefaultApprovalTimeout,
		PIIMode:         governance.PIIOff,
		Memory:          memory.DefaultConfig(),
		EscalationTool:  accounting.DefaultEscalationTool,
	}
}

// FromConfig maps the loaded configuration.
func FromConfig(c *config.Config) Config {
	out := DefaultConfig()
	if c.Engine.MaxIterations > 0 {
		out.MaxIterations = c.Engine.MaxIterations
	}
	if c.Engine.ApprovalTimeoutSeconds > 0 {
		out.ApprovalTimeout = time.Duration(c.Engine.ApprovalTimeoutSeconds) * time.Second
	}
	out.Stream = c.Engine.Stream
	out.PIIMode = governance.ParsePIIMode(c.Governance.PIIMode)
	out.Memory = memory.FromConfig(c.Memory)
	out.Model = llm.Target{Provider: c.LLM.Name, Model: c.LLM.Model}
	out.Temperature = c.LLM.Temperature
	if c.Accounting.EscalationTool != "" {
		out.EscalationTool = c.Accounting.EscalationTool
	}
	return out
}

// RunRequest starts a run. TenantID defaults to the agent's tenant and RunID
// is generated when empty.
type RunRequest struct {
	AgentID  string `json:"agent_id"`
	Input    string `json:"input"`
	UserID   string `json:"user_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// StreamFunc receives content increments of streamed model answers.
type StreamFunc func(runID, delta string)

// Engine executes agent runs.
type Engine struct {
	cfg      Config
	catalog  agents.Catalog
	models   *llm.Router
	registry *tools.Registry
	store    store.Store

	executor   *tools.Executor
	recorder   *accounting.Recorder
	policy     atomic.Pointer[governance.PolicySpec]
	summarizer memory.Summarizer
	notifier   governance.Notifier
	emitter    core.EventEmitter
	onDelta    StreamFunc
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	tracer     trace.Tracer

	mu     sync.Mutex
	active map[string]*activeRun
	timers map[string]*time.Timer
}

// activeRun is one goroutine driving a run. A granted approval can resume a
// run before the goroutine that suspended it has returned, so entries are
// replaced rather than shared.
type activeRun struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithPolicy sets the policy applied to every agent ahead of its own.
func WithPolicy(spec governance.PolicySpec) Option {
	return func(e *Engine) { e.policy.Store(&spec) }
}

// WithExecutor replaces the default tool executor.
func WithExecutor(x *tools.Executor) Option {
	return func(e *Engine) {
		if x != nil {
			e.executor = x
		}
	}
}

// WithRecorder replaces the default usage recorder.
func WithRecorder(r *accounting.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithSummarizer sets how memory folds old messages.
func WithSummarizer(s memory.Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithNotifier is told about every approval request.
func WithNotifier(n governance.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithEmitter receives run events.
func WithEmitter(em core.EventEmitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithStreamHandler receives streamed content.
func WithStreamHandler(fn StreamFunc) Option {
	return func(e *Engine) { e.onDelta = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine.
func New(catalog agents.Catalog, models *llm.Router, registry *tools.Registry, st store.Store, opts ...Option) (*Engine, error) {
	switch {
	case catalog == nil:
		return nil, errors.New(errors.CodeConfiguration, "engine: agent catalog is required", nil)
	case models == nil:
		return nil, errors.New(errors.CodeConfiguration, "engine: model router is required", nil)
	case st == nil:
		return nil, errors.New(errors.CodeConfiguration, "engine: store is required", nil)
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	e := &Engine{
		cfg:       DefaultConfig(),
		catalog:   catalog,
		models:    models,
		registry:  registry,
		store:     st,
		emitter:   core.NoopEventEmitter{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("watt/engine"),
		active:    make(map[string]*activeRun),
		timers:    make(map[string]*time.Timer),
	}
	e.policy.Store(&governance.PolicySpec{})
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxIterations <= 0 {
		e.cfg.MaxIterations = DefaultMaxIterations
	}
	if e.cfg.ApprovalTimeout <= 0 {
		e.cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if e.executor == nil {
		e.executor = tools.NewExecutor(tools.WithExecutorLogger(e.logger), tools.WithExecutorMetrics(e.metrics))
	}
	if e.recorder == nil {
		e.recorder = accounting.NewRecorder(st, accounting.WithLogger(e.logger), accounting.WithMetrics(e.metrics))
	}
	return e, nil
}

// SetPolicy swaps the global policy. Runs in flight keep the policy they
// started with.
func (e *Engine) SetPolicy(spec governance.PolicySpec) {
	e.policy.Store(&spec)
}

// Recorder exposes the usage recorder, e.g. to swap its rate table.
func (e *Engine) Recorder() *accounting.Recorder { return e.recorder }

// Close stops the approval timers. Pending approvals stay in the store and
// are expired by ExpireApprovals after a restart.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Run executes a new run until it completes, fails or waits for approval.
// Precondition failures return an error and no run; every other outcome is
// described by the returned run. A non-nil error next to a run means the
// run could not be persisted.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*core.AgentRun, error) {
	if strings.TrimSpace(req.Input) == "" {
		return nil, invalidInput("input must not be empty")
	}
	if req.AgentID == "" {
		return nil, invalidInput("agent id is required")
	}
	def, err := e.catalog.Get(ctx, req.AgentID)
	if err != nil {
		return nil, configurationError(err)
	}

	runID := req.RunID
	if runID == "" {
		runID = core.NewRunID()
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = def.TenantID
	}
	run := core.NewRun(runID, def.ID, tenantID, req.UserID, req.Input)
	s, err := e.newSession(def, run, newState(run))
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(core.WithTenantID(core.WithRunID(ctx, runID), tenantID), "engine.run",
		trace.WithAttributes(telemetry.RunAttributes(def.ID, tenantID, runID, s.maxIter)...))
	defer span.End()
	ctx, release := e.track(ctx, runID)
	defer release()

	if err := e.transition(s, core.RunRunning); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "engine.run.start",
		slog.String("run_id", runID),
		slog.String("agent_id", def.ID),
		slog.String("tenant_id", tenantID),
	)
	e.emit(ctx, core.EventRunStarted, run, nil)

	if err := e.screenInput(ctx, s); err != nil {
		e.fail(ctx, s, err)
	} else {
		s.append(core.Message{Role: core.RoleUser, Content: s.run.Input, Timestamp: time.Now().UTC()})
		e.loop(ctx, s)
	}
	run, err = e.persist(ctx, s, span)
	return e.settle(ctx, release, run, err)
}

// GetRun loads a persisted run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*core.AgentRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, lookupError("run", runID, err)
	}
	return run, nil
}

// Cancel stops a run. An active run fails with CANCELLED at its next
// suspension point; a waiting run fails immediately.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	ar, active := e.active[runID]
	if active {
		ar.cancelled = true
	}
	e.mu.Unlock()
	if active {
		ar.cancel()
		e.logger.InfoContext(ctx, "engine.run.cancel", slog.String("run_id", runID))
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return lookupError("run", runID, err)
	}
	if run.Status != core.RunWaitingApproval || run.PendingApproval == nil {
		return conflict("run %s is %s and cannot be cancelled", runID, run.Status)
	}
	_, err = e.resolve(ctx, run.PendingApproval.ApprovalID, governance.ApprovalRejected, "run cancelled", outcomeCancelled)
	return err
}

// KPIs aggregates the runs of an agent.
func (e *Engine) KPIs(ctx context.Context, agentID string, tr *core.TimeRange) (accounting.KPIs, error) {
	escalation := e.cfg.EscalationTool
	if def, err := e.catalog.Get(ctx, agentID); err == nil && def.KPI.EscalationTool != "" {
		escalation = def.KPI.EscalationTool
	}
	return accounting.NewCalculator(e.store, escalation).Calculate(ctx, agentID, tr)
}

// TenantCosts summarizes the spend of a tenant.
func (e *Engine) TenantCosts(ctx context.Context, tenantID string, tr *core.TimeRange) (accounting.TenantCostSummary, error) {
	return e.recorder.TenantCosts(ctx, tenantID, tr)
}

// ListApprovals lists approval records for operators.
func (e *Engine) ListApprovals(ctx context.Context, filter governance.ApprovalFilter) ([]governance.ApprovalRecord, error) {
	recs, err := e.store.ListApprovals(ctx, filter)
	if err != nil {
		return nil, storageError("list approvals", err)
	}
	return recs, nil
}

// track registers the run as active so Cancel can reach it. release may be
// called more than once; it reports whether Cancel reached this goroutine.
func (e *Engine) track(ctx context.Context, runID string) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	ar := &activeRun{cancel: cancel}
	e.mu.Lock()
	e.active[runID] = ar
	e.mu.Unlock()

	var (
		once      sync.Once
		cancelled bool
	)
	return ctx, func() bool {
		once.Do(func() {
			e.mu.Lock()
			if e.active[runID] == ar {
				delete(e.active, runID)
			}
			cancelled = ar.cancelled
			e.mu.Unlock()
			cancel()
		})
		return cancelled
	}
}

// settle releases the run. A Cancel that arrived while the run was being
// suspended found it active and is applied here, now that the waiting run
// and its approval are stored.
func (e *Engine) settle(ctx context.Context, release func() bool, run *core.AgentRun, err error) (*core.AgentRun, error) {
	if !release() || err != nil || run.Status != core.RunWaitingApproval || run.PendingApproval == nil {
		return run, err
	}
	e.logger.InfoContext(ctx, "engine.run.cancel", slog.String("run_id", run.ID))
	cancelledRun, err := e.resolve(context.WithoutCancel(ctx), run.PendingApproval.ApprovalID,
		governance.ApprovalRejected, "run cancelled", outcomeCancelled)
	if errors.IsCode(err, errors.CodeConflict) {
		return run, nil
	}
	return cancelledRun, err
}

func (e *Engine) cancelRequested(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ar, ok := e.active[runID]
	return ok && ar.cancelled
}

func (e *Engine) emit(ctx context.Context, t core.EventType, run *core.AgentRun, payload map[string]any) {
	e.emitter.Emit(ctx, core.NewEvent(t, run.AgentID, run.ID, payload))
}
