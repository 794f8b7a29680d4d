// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/telemetry"
)

// Manager owns the memory of one run.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	ctx        Context
	summarizer Summarizer
	fallback   Summarizer
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer replaces the heuristic summarizer. The heuristic one is
// still used when s fails.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) {
		if s != nil {
			m.summarizer = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records compressions.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates an empty memory.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.normalized()
	m := &Manager{
		cfg: cfg,
		ctx: Context{
			LongTermFacts: make(map[string]any),
			MaxTokens:     cfg.MaxTokens,
		},
		summarizer: HeuristicSummarizer{},
		fallback:   HeuristicSummarizer{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append adds msg to the history.
func (m *Manager) Append(_ context.Context, msg core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.History = append(m.ctx.History, msg)
	m.ctx.TokenCount += EstimateTokens(msg.Content)
}

// Context returns a copy of the current memory, compressing first when the
// token count is over the threshold.
func (m *Manager) Context(ctx context.Context) Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.TokenCount > m.cfg.CompressionThreshold {
		m.compressLocked(ctx)
	}
	return m.snapshotLocked()
}

// Compress folds the oldest messages into the summary. It is a no-op while
// the token count is below the threshold.
func (m *Manager) Compress(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compressLocked(ctx)
}

func (m *Manager) compressLocked(ctx context.Context) {
	if m.ctx.TokenCount < m.cfg.CompressionThreshold || len(m.ctx.History) == 0 {
		return
	}

	history := m.ctx.History
	start := len(history) - m.cfg.KeepRecent
	if start < 0 {
		start = 0
	}
	for start < len(history) && messageTokens(history[start:])+m.cfg.SummaryTokens >= m.cfg.CompressionThreshold {
		start++
	}
	// A tool result without its assistant turn is meaningless to the model.
	for start < len(history) && history[start].Role == core.RoleTool {
		start++
	}
	if start == 0 {
		return
	}

	folded := history[:start]
	kept := append([]core.Message(nil), history[start:]...)

	mergeNames(m.ctx.LongTermFacts, ExtractNames(folded))

	summary, err := m.summarizer.Summarize(ctx, m.ctx.CompressedHistory, folded)
	if err != nil {
		m.logger.WarnContext(ctx, "memory.summarize.failed", slog.String("error", err.Error()))
		summary, _ = m.fallback.Summarize(ctx, m.ctx.CompressedHistory, folded)
	}

	before := m.ctx.TokenCount
	m.ctx.History = kept
	m.ctx.CompressedHistory = summary
	m.ctx.TokenCount = messageTokens(kept) + m.cfg.SummaryTokens

	m.metrics.MemoryCompacted(ctx)
	m.logger.DebugContext(ctx, "memory.compressed",
		slog.Int("folded", len(folded)),
		slog.Int("kept", len(kept)),
		slog.Int("tokens_before", before),
		slog.Int("tokens_after", m.ctx.TokenCount),
	)
}

// SetFact stores a long-term fact.
func (m *Manager) SetFact(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.LongTermFacts[key] = value
}

// Fact returns a long-term fact.
func (m *Manager) Fact(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ctx.LongTermFacts[key]
	return v, ok
}

// Snapshot returns a copy of the memory without compressing.
func (m *Manager) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Restore replaces the memory with c, as captured by Snapshot. The token
// count is recomputed from the restored content.
func (m *Manager) Restore(c Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = Context{
		History:           append([]core.Message(nil), c.History...),
		CompressedHistory: c.CompressedHistory,
		LongTermFacts:     make(map[string]any, len(c.LongTermFacts)),
		MaxTokens:         m.cfg.MaxTokens,
	}
	for k, v := range c.LongTermFacts {
		m.ctx.LongTermFacts[k] = v
	}
	m.ctx.TokenCount = messageTokens(m.ctx.History)
	if m.ctx.CompressedHistory != "" {
		m.ctx.TokenCount += m.cfg.SummaryTokens
	}
}

func (m *Manager) snapshotLocked() Context {
	out := m.ctx
	out.History = append([]core.Message(nil), m.ctx.History...)
	out.LongTermFacts = make(map[string]any, len(m.ctx.LongTermFacts))
	for k, v := range m.ctx.LongTermFacts {
		out.LongTermFacts[k] = v
	}
	return out
}
