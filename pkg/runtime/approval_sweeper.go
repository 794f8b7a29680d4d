package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ApprovalExpirer fails runs whose approval deadline has passed.
// *engine.Engine implements it.
type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// ApprovalSweeper periodically asks its expirers to fail overdue approvals.
// The engine arms an in-process timer per approval; the sweeper covers the
// timers lost to a restart, so it sweeps once as soon as it starts.
type ApprovalSweeper struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer

	sweeps   metric.Int64Counter
	failures metric.Int64Counter
	expired  metric.Int64Counter
	latency  metric.Float64Histogram

	mu       sync.Mutex
	expirers []ApprovalExpirer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewApprovalSweeper creates a sweeper. timeout bounds one pass over all
// expirers; zero leaves passes unbounded.
func NewApprovalSweeper(interval, timeout time.Duration, logger *slog.Logger) *ApprovalSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("watt/runtime")
	s := &ApprovalSweeper{
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		tracer:   otel.Tracer("watt/runtime"),
	}
	s.sweeps, _ = meter.Int64Counter("watt.approval.sweeps", metric.WithDescription("Approval sweep passes"))
	s.failures, _ = meter.Int64Counter("watt.approval.sweep.errors", metric.WithDescription("Expirer failures during sweeps"))
	s.expired, _ = meter.Int64Counter("watt.approval.swept", metric.WithDescription("Approvals expired by the sweeper"))
	s.latency, _ = meter.Float64Histogram("watt.approval.sweep.duration", metric.WithUnit("ms"))
	return s
}

// Add registers an expirer. Expirers added while running join the next pass.
func (s *ApprovalSweeper) Add(expirer ApprovalExpirer) {
	if expirer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expirers = append(s.expirers, expirer)
}

// Start begins sweeping. It is a no-op when the interval is not positive or
// the sweeper is already running.
func (s *ApprovalSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 {
		s.logger.Info("runtime.approval.sweeper.disabled")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends sweeping and waits for a pass in progress.
func (s *ApprovalSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *ApprovalSweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.logger.Info("runtime.approval.sweeper.start", slog.Duration("interval", s.interval))

	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("runtime.approval.sweeper.stop")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many approvals were expired. An
// expirer that fails does not stop the others.
func (s *ApprovalSweeper) Sweep(ctx context.Context) int {
	s.mu.Lock()
	expirers := append([]ApprovalExpirer(nil), s.expirers...)
	s.mu.Unlock()
	if len(expirers) == 0 {
		return 0
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "runtime.approval.sweep")
	defer span.End()

	start := time.Now()
	total := 0
	for _, expirer := range expirers {
		name := fmt.Sprintf("%T", expirer)
		attrs := metric.WithAttributes(attribute.String("expirer", name))
		n, err := expirer.ExpireApprovals(ctx)
		if err != nil {
			span.RecordError(err)
			s.failures.Add(ctx, 1, attrs)
			s.logger.WarnContext(ctx, "runtime.approval.sweep.error",
				slog.String("expirer", name),
				slog.String("error", err.Error()),
			)
		}
		if n > 0 {
			s.expired.Add(ctx, int64(n), attrs)
			total += n
		}
	}
	s.sweeps.Add(ctx, 1)
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	span.SetAttributes(attribute.Int("expired", total))
	if total > 0 {
		s.logger.InfoContext(ctx, "runtime.approval.sweep.expired", slog.Int("expired", total))
	}
	return total
}
