// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/watt/pkg/core"
)

// ConfigureSlog installs a context-aware logger as the slog default and
// returns it.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a logger whose records carry the trace, span, run and
// tenant ids found in the logging context. format is "json" or "text".
func NewLogger(output io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base = slog.NewJSONHandler(output, opts)
	} else {
		base = slog.NewTextHandler(output, opts)
	}
	return slog.New(contextHandler{next: base})
}

type contextHandler struct {
	next slog.Handler
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle adds the context ids the record does not set itself.
func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}
	present := make(map[string]bool, 4)
	record.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	add := func(key, value string) {
		if value != "" && !present[key] {
			record.AddAttrs(slog.String(key, value))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		add("trace_id", sc.TraceID().String())
		add("span_id", sc.SpanID().String())
	}
	if id, ok := core.RunID(ctx); ok {
		add("run_id", id)
	}
	if id, ok := core.TenantID(ctx); ok {
		add("tenant_id", id)
	}
	return h.next.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{next: h.next.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
