package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/telemetry"
)

// UsageStore persists usage records.
type UsageStore interface {
	SaveUsage(ctx context.Context, rec core.UsageRecord) error
	FindUsage(ctx context.Context, tenantID string, tr *core.TimeRange) ([]core.UsageRecord, error)
}

// UsageInput describes one model call.
type UsageInput struct {
	TenantID         string
	RunID            string
	AgentID          string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Recorder prices and stores usage.
type Recorder struct {
	rates   atomic.Pointer[RateTable]
	store   UsageStore
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRates sets the initial rate table.
func WithRates(t *RateTable) RecorderOption {
	return func(r *Recorder) {
		if t != nil {
			r.rates.Store(t)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records token and cost counters.
func WithMetrics(m *telemetry.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder creates a recorder. A nil store disables persistence.
func NewRecorder(store UsageStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, logger: slog.Default(), now: time.Now}
	r.rates.Store(DefaultRateTable())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRates swaps the rate table. Calls already priced keep their cost.
func (r *Recorder) SetRates(t *RateTable) {
	if t != nil {
		r.rates.Store(t)
	}
}

// Rates returns the current table.
func (r *Recorder) Rates() *RateTable { return r.rates.Load() }

// RecordUsage prices the call and persists it when the tenant is known.
// The priced record is always returned, also next to a storage error.
func (r *Recorder) RecordUsage(ctx context.Context, in UsageInput) (core.UsageRecord, error) {
	total := in.TotalTokens
	if total == 0 {
		total = in.PromptTokens + in.CompletionTokens
	}
	rec := core.UsageRecord{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		RunID:            in.RunID,
		AgentID:          in.AgentID,
		Provider:         in.Provider,
		Model:            in.Model,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		TotalTokens:      total,
		CostUSD:          r.rates.Load().Cost(in.Model, in.PromptTokens, in.CompletionTokens),
		CreatedAt:        r.now().UTC(),
	}

	r.metrics.UsageRecorded(ctx, in.Provider, in.Model, in.PromptTokens, in.CompletionTokens, rec.CostUSD)
	r.logger.DebugContext(ctx, "accounting.usage",
		slog.String("tenant_id", in.TenantID),
		slog.String("provider", in.Provider),
		slog.String("model", in.Model),
		slog.Float64("cost_usd", rec.CostUSD),
	)

	if in.TenantID == "" {
		r.logger.DebugContext(ctx, "accounting.usage.unpersisted", slog.String("run_id", in.RunID))
		return rec, nil
	}
	if r.store == nil {
		return rec, nil
	}
	if err := r.store.SaveUsage(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "accounting.usage.save_failed",
			slog.String("run_id", in.RunID),
			slog.String("error", err.Error()),
		)
		return rec, fmt.Errorf("record usage: %w", err)
	}
	return rec, nil
}

// TenantCostSummary totals a tenant's usage.
type TenantCostSummary struct {
	TenantID     string             `json:"tenant_id"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	TotalTokens  int                `json:"total_tokens"`
	UsageCount   int                `json:"usage_count"`
	Usage        []core.UsageRecord `json:"usage,omitempty"`
}

// TenantCosts sums the tenant's usage in tr, newest record first.
func (r *Recorder) TenantCosts(ctx context.Context, tenantID string, tr *core.TimeRange) (TenantCostSummary, error) {
	out := TenantCostSummary{TenantID: tenantID}
	if r.store == nil {
		return out, nil
	}
	records, err := r.store.FindUsage(ctx, tenantID, tr)
	if err != nil {
		return out, fmt.Errorf("tenant costs: %w", err)
	}
	for _, rec := range records {
		out.TotalCostUSD += rec.CostUSD
		out.TotalTokens += rec.TotalTokens
	}
	out.UsageCount = len(records)
	out.Usage = records
	return out, nil
}
