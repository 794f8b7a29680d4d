// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/governance"

	_ "modernc.org/sqlite"
)

// SQLite persists to a SQLite database through modernc.org/sqlite.
// Timestamps are stored as Unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn and ensures the schema. ":memory:" works for tests.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and ensures the schema.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("store: db is nil")
	}
	if err := ensureSQLiteSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func ensureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			tenant_id TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			run_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_agent ON agent_runs(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS llm_usage (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT,
			agent_id TEXT,
			provider TEXT,
			model TEXT,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_usage_tenant ON llm_usage(tenant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_states (
			run_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_id TEXT,
			tenant_id TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			record_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) SaveRun(ctx context.Context, run *core.AgentRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_id, tenant_id, status, created_at, run_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, run_json = excluded.run_json
	`, run.ID, run.AgentID, run.TenantID, string(run.Status), run.CreatedAt.UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*core.AgentRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT run_json FROM agent_runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return decodeRun([]byte(body))
}

func (s *SQLite) FindRuns(ctx context.Context, agentID string, tr *core.TimeRange) ([]*core.AgentRun, error) {
	query := `SELECT run_json FROM agent_runs WHERE agent_id = ?`
	args := []any{agentID}
	query, args = appendRange(query, args, "created_at", tr)
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find runs: %w", err)
	}
	defer rows.Close()

	var out []*core.AgentRun
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: find runs: %w", err)
		}
		run, err := decodeRun([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find runs: %w", err)
	}
	return out, nil
}

func (s *SQLite) SaveUsage(ctx context.Context, rec core.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_usage (id, tenant_id, run_id, agent_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TenantID, rec.RunID, rec.AgentID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CostUSD, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save usage: %w", err)
	}
	return nil
}

func (s *SQLite) FindUsage(ctx context.Context, tenantID string, tr *core.TimeRange) ([]core.UsageRecord, error) {
	query := `SELECT id, tenant_id, run_id, agent_id, provider, model,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at
		FROM llm_usage WHERE tenant_id = ?`
	args := []any{tenantID}
	query, args = appendRange(query, args, "created_at", tr)
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find usage: %w", err)
	}
	defer rows.Close()

	var out []core.UsageRecord
	for rows.Next() {
		var (
			rec       core.UsageRecord
			createdMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.RunID, &rec.AgentID, &rec.Provider, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.CostUSD, &createdMs); err != nil {
			return nil, fmt.Errorf("store: find usage: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: find usage: %w", err)
	}
	return out, nil
}

func (s *SQLite) SaveState(ctx context.Context, runID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_states (run_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, runID, state, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

func (s *SQLite) LoadState(ctx context.Context, runID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM run_states WHERE run_id = ?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}
	return state, nil
}

func (s *SQLite) DeleteState(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_states WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("store: delete state: %w", err)
	}
	return nil
}

func (s *SQLite) CreateApproval(ctx context.Context, rec governance.ApprovalRecord) error {
	if rec.Status == "" {
		rec.Status = governance.ApprovalPending
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: create approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, run_id, agent_id, tenant_id, status, created_at, expires_at, record_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.AgentID, rec.TenantID, string(rec.Status),
		rec.CreatedAt.UnixMilli(), unixMilliOrZero(rec.ExpiresAt), string(body))
	if err != nil {
		return fmt.Errorf("store: create approval: %w", err)
	}
	return nil
}

func (s *SQLite) GetApproval(ctx context.Context, id string) (governance.ApprovalRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM approvals WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return governance.ApprovalRecord{}, governance.ErrApprovalNotFound
	}
	if err != nil {
		return governance.ApprovalRecord{}, fmt.Errorf("store: get approval: %w", err)
	}
	return decodeApproval([]byte(body))
}

// ResolveApproval updates the record only while it is still pending.
func (s *SQLite) ResolveApproval(ctx context.Context, id string, status governance.ApprovalStatus, resolution string, at time.Time) (governance.ApprovalRecord, error) {
	rec, err := s.GetApproval(ctx, id)
	if err != nil {
		return governance.ApprovalRecord{}, err
	}
	if !rec.Pending() {
		return rec, governance.ErrNotPending
	}
	rec.Status = status
	rec.Resolution = resolution
	rec.ResolvedAt = &at
	body, err := json.Marshal(rec)
	if err != nil {
		return governance.ApprovalRecord{}, fmt.Errorf("store: resolve approval: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, record_json = ? WHERE id = ? AND status = ?
	`, string(status), string(body), id, string(governance.ApprovalPending))
	if err != nil {
		return governance.ApprovalRecord{}, fmt.Errorf("store: resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetApproval(ctx, id)
		if err != nil {
			return governance.ApprovalRecord{}, err
		}
		return current, governance.ErrNotPending
	}
	return rec, nil
}

func (s *SQLite) ListApprovals(ctx context.Context, filter governance.ApprovalFilter) ([]governance.ApprovalRecord, error) {
	where := "1=1"
	var args []any
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		where += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.RunID != "" {
		where += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	return s.queryApprovals(ctx, "SELECT record_json FROM approvals WHERE "+where+" ORDER BY created_at ASC, rowid ASC", args...)
}

func (s *SQLite) ExpiredApprovals(ctx context.Context, now time.Time) ([]governance.ApprovalRecord, error) {
	return s.queryApprovals(ctx, `
		SELECT record_json FROM approvals
		WHERE status = ? AND expires_at > 0 AND expires_at <= ?
		ORDER BY expires_at ASC
	`, string(governance.ApprovalPending), now.UnixMilli())
}

func (s *SQLite) queryApprovals(ctx context.Context, query string, args ...any) ([]governance.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	defer rows.Close()
	var out []governance.ApprovalRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: list approvals: %w", err)
		}
		rec, err := decodeApproval([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func appendRange(query string, args []any, column string, tr *core.TimeRange) (string, []any) {
	if tr == nil {
		return query, args
	}
	if !tr.From.IsZero() {
		query += " AND " + column + " >= ?"
		args = append(args, tr.From.UnixMilli())
	}
	if !tr.To.IsZero() {
		query += " AND " + column + " <= ?"
		args = append(args, tr.To.UnixMilli())
	}
	return query, args
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeRun(body []byte) (*core.AgentRun, error) {
	var run core.AgentRun
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("store: decode run: %w", err)
	}
	return &run, nil
}

func decodeApproval(body []byte) (governance.ApprovalRecord, error) {
	var rec governance.ApprovalRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return governance.ApprovalRecord{}, fmt.Errorf("store: decode approval: %w", err)
	}
	return rec, nil
}
