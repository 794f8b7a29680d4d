// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists runs, usage records, suspended run state and
// approval records. Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/governance"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the repository the engine and accounting depend on.
type Store interface {
	SaveRun(ctx context.Context, run *core.AgentRun) error
	GetRun(ctx context.Context, id string) (*core.AgentRun, error)
	// FindRuns returns the agent's runs created in tr, oldest first.
	FindRuns(ctx context.Context, agentID string, tr *core.TimeRange) ([]*core.AgentRun, error)

	SaveUsage(ctx context.Context, rec core.UsageRecord) error
	// FindUsage returns the tenant's usage in tr, newest first.
	FindUsage(ctx context.Context, tenantID string, tr *core.TimeRange) ([]core.UsageRecord, error)

	SaveState(ctx context.Context, runID string, state []byte) error
	LoadState(ctx context.Context, runID string) ([]byte, error)
	DeleteState(ctx context.Context, runID string) error

	governance.ApprovalStore

	Close() error
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:watt.db"
		}
		return OpenSQLite(ctx, dsn)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres needs a dsn")
		}
		return OpenPostgres(ctx, cfg.DSN, logger)
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}
