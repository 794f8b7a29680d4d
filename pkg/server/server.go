// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the engine over HTTP+JSON.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jllopis/watt/pkg/accounting"
	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/engine"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/runtime"
	"github.com/jllopis/watt/pkg/tools"
)

// Service is the part of the engine the API drives. *engine.Engine
// implements it.
type Service interface {
	Run(ctx context.Context, req engine.RunRequest) (*core.AgentRun, error)
	GetRun(ctx context.Context, runID string) (*core.AgentRun, error)
	Cancel(ctx context.Context, runID string) error
	Approve(ctx context.Context, approvalID, reason string) (*core.AgentRun, error)
	Deny(ctx context.Context, approvalID, reason string) (*core.AgentRun, error)
	ListApprovals(ctx context.Context, filter governance.ApprovalFilter) ([]governance.ApprovalRecord, error)
	KPIs(ctx context.Context, agentID string, tr *core.TimeRange) (accounting.KPIs, error)
	TenantCosts(ctx context.Context, tenantID string, tr *core.TimeRange) (accounting.TenantCostSummary, error)
}

// Submitter starts runs in the background.
type Submitter interface {
	Submit(ctx context.Context, runner runtime.Runner, req engine.RunRequest) (string, <-chan runtime.Result, error)
}

// HealthChecker reports adapter health. *tools.Registry implements it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[tools.Type]bool
}

// Server routes API requests to a Service.
type Server struct {
	svc         Service
	submitter   Submitter
	health      HealthChecker
	logger      *slog.Logger
	origins     []string
	healthLimit time.Duration
	version     string
}

// Option configures a Server.
type Option func(*Server)

// WithSubmitter enables asynchronous runs.
func WithSubmitter(s Submitter) Option {
	return func(srv *Server) { srv.submitter = s }
}

// WithHealth sets the adapter health source of /health.
func WithHealth(h HealthChecker) Option {
	return func(srv *Server) { srv.health = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// WithAllowedOrigins restricts CORS. The default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(srv *Server) {
		if len(origins) > 0 {
			srv.origins = origins
		}
	}
}

// WithVersion sets the version reported by /version.
func WithVersion(v string) Option {
	return func(srv *Server) { srv.version = v }
}

// New creates a Server.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:         svc,
		logger:      slog.Default(),
		origins:     []string{"*"},
		healthLimit: 5 * time.Second,
		version:     "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Post("/runs", s.handleStartRun)
			r.Get("/kpis", s.handleKPIs)
		})
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Post("/{approvalID}/approve", s.handleResolve(true))
			r.Post("/{approvalID}/deny", s.handleResolve(false))
		})
		r.Get("/tenants/{tenantID}/costs", s.handleTenantCosts)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "server.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
