// Package runtime hosts agent runs in process: one goroutine per submitted
// run, plus the sweeper that expires approvals whose timers were lost.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/errors"
)

// Runner executes a run to its next stable status. *engine.Engine
// implements it.
type Runner interface {
	Run(ctx context.Context, req engine.RunRequest) (*core.AgentRun, error)
}

// Result is delivered once per submitted run.
type Result struct {
	Run *core.AgentRun
	Err error
}

// LocalRuntime runs agents in the current process.
type LocalRuntime struct {
	mu      sync.Mutex
	started bool
	tracer  trace.Tracer
	logger  *slog.Logger

	// base is cancelled by Stop; every submitted run derives from it.
	base       context.Context
	cancelBase context.CancelFunc
	inflight   sync.WaitGroup

	sweepInterval time.Duration
	sweepTimeout  time.Duration
	sweeper       *ApprovalSweeper
}

// Option configures a LocalRuntime.
type Option func(*LocalRuntime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *LocalRuntime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithApprovalSweep sets the sweep interval and the per-sweep timeout.
func WithApprovalSweep(interval, timeout time.Duration) Option {
	return func(r *LocalRuntime) {
		r.sweepInterval = interval
		r.sweepTimeout = timeout
	}
}

// NewLocal creates a new LocalRuntime instance.
func NewLocal(opts ...Option) *LocalRuntime {
	r := &LocalRuntime{
		tracer: otel.Tracer("watt/runtime"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sweeper = NewApprovalSweeper(r.sweepInterval, r.sweepTimeout, r.logger)
	return r
}

// AddApprovalExpirer registers an expirer with the approval sweeper.
func (r *LocalRuntime) AddApprovalExpirer(expirer ApprovalExpirer) {
	r.sweeper.Add(expirer)
}

// Start makes the runtime accept runs and starts the approval sweeper.
func (r *LocalRuntime) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.base, r.cancelBase = context.WithCancel(context.Background())
	r.started = true
	r.sweeper.Start()
	return nil
}

// Stop refuses new runs, waits for in-flight ones until ctx is done and then
// cancels whatever is left.
func (r *LocalRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancelBase := r.cancelBase
	r.mu.Unlock()
	r.sweeper.Stop()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancelBase()
		return nil
	case <-ctx.Done():
		r.logger.Warn("runtime.stop.cancel_inflight")
		cancelBase()
		<-done
		return ctx.Err()
	}
}

// Run executes req synchronously.
func (r *LocalRuntime) Run(ctx context.Context, runner Runner, req engine.RunRequest) (*core.AgentRun, error) {
	runCtx, release, err := r.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.execute(runCtx, runner, req)
}

// Submit starts req on its own goroutine and returns immediately. The run is
// detached from ctx's cancellation; use the engine's Cancel to stop it.
// The returned channel receives exactly one Result.
func (r *LocalRuntime) Submit(ctx context.Context, runner Runner, req engine.RunRequest) (string, <-chan Result, error) {
	if req.RunID == "" {
		req.RunID = core.NewRunID()
	}
	runCtx, release, err := r.admit(context.WithoutCancel(ctx))
	if err != nil {
		return "", nil, err
	}
	out := make(chan Result, 1)
	go func() {
		defer release()
		run, err := r.execute(runCtx, runner, req)
		out <- Result{Run: run, Err: err}
		close(out)
	}()
	return req.RunID, out, nil
}

// admit registers one run and ties its context to the runtime lifetime.
func (r *LocalRuntime) admit(ctx context.Context) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, nil, errors.New(errors.CodeConflict, "runtime not started", nil)
	}
	r.inflight.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.base, cancel)
	return ctx, func() {
		stop()
		cancel()
		r.inflight.Done()
	}, nil
}

func (r *LocalRuntime) execute(ctx context.Context, runner Runner, req engine.RunRequest) (*core.AgentRun, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.run", trace.WithAttributes(
		attribute.String("agent.id", req.AgentID),
	))
	defer span.End()
	traceID, spanID := traceIDs(span)

	r.logger.InfoContext(ctx, "runtime.run.start",
		slog.String("agent_id", req.AgentID),
		slog.String("run_id", req.RunID),
	)
	run, err := runner.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		r.logger.ErrorContext(ctx, "runtime.run.error",
			slog.String("agent_id", req.AgentID),
			slog.String("run_id", req.RunID),
			slog.String("trace_id", traceID),
			slog.String("span_id", spanID),
			slog.String("error", err.Error()),
		)
		return run, err
	}
	r.logger.InfoContext(ctx, "runtime.run.return",
		slog.String("agent_id", req.AgentID),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
	)
	return run, nil
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	return sc.TraceID().String(), sc.SpanID().String()
}
