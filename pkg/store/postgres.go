package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/governance"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres persists to PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects, pings and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}
	p := &Postgres{pool: pool, logger: logger}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrations: %w", err)
	}
	if err := p.runMigrations(ctx, sub); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// runMigrations applies each .sql file once, in name order.
func (p *Postgres) runMigrations(ctx context.Context, fsys fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || done[name] {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		p.logger.Info("store.migration.apply", slog.String("file", name))
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) SaveRun(ctx context.Context, run *core.AgentRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agent_runs (id, agent_id, tenant_id, status, created_at, run)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, run = EXCLUDED.run
	`, run.ID, run.AgentID, run.TenantID, string(run.Status), run.CreatedAt, body)
	if err != nil {
		return fmt.Errorf("store: save run: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*core.AgentRun, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT run FROM agent_runs WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return decodeRun(body)
}

func (p *Postgres) FindRuns(ctx context.Context, agentID string, tr *core.TimeRange) ([]*core.AgentRun, error) {
	query, args := pgRange(`SELECT run FROM agent_runs WHERE agent_id = $1`, []any{agentID}, "created_at", tr)
	rows, err := p.pool.Query(ctx, query+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find runs: %w", err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("store: find runs: %w", err)
	}
	out := make([]*core.AgentRun, 0, len(bodies))
	for _, b := range bodies {
		run, err := decodeRun(b)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (p *Postgres) SaveUsage(ctx context.Context, rec core.UsageRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO llm_usage (id, tenant_id, run_id, agent_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.TenantID, rec.RunID, rec.AgentID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.CostUSD, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save usage: %w", err)
	}
	return nil
}

func (p *Postgres) FindUsage(ctx context.Context, tenantID string, tr *core.TimeRange) ([]core.UsageRecord, error) {
	query, args := pgRange(`SELECT id, tenant_id, COALESCE(run_id, ''), COALESCE(agent_id, ''),
		COALESCE(provider, ''), COALESCE(model, ''), prompt_tokens, completion_tokens, total_tokens,
		cost_usd, created_at FROM llm_usage WHERE tenant_id = $1`, []any{tenantID}, "created_at", tr)
	rows, err := p.pool.Query(ctx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find usage: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.UsageRecord, error) {
		var rec core.UsageRecord
		err := row.Scan(&rec.ID, &rec.TenantID, &rec.RunID, &rec.AgentID, &rec.Provider, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.CostUSD, &rec.CreatedAt)
		rec.CreatedAt = rec.CreatedAt.UTC()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: find usage: %w", err)
	}
	return out, nil
}

func (p *Postgres) SaveState(ctx context.Context, runID string, state []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_states (run_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (run_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, runID, state)
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

func (p *Postgres) LoadState(ctx context.Context, runID string) ([]byte, error) {
	var state []byte
	err := p.pool.QueryRow(ctx, `SELECT state FROM run_states WHERE run_id = $1`, runID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}
	return state, nil
}

func (p *Postgres) DeleteState(ctx context.Context, runID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM run_states WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("store: delete state: %w", err)
	}
	return nil
}

func (p *Postgres) CreateApproval(ctx context.Context, rec governance.ApprovalRecord) error {
	if rec.Status == "" {
		rec.Status = governance.ApprovalPending
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: create approval: %w", err)
	}
	var expires *time.Time
	if !rec.ExpiresAt.IsZero() {
		expires = &rec.ExpiresAt
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO approvals (id, run_id, agent_id, tenant_id, status, created_at, expires_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.RunID, rec.AgentID, rec.TenantID, string(rec.Status), rec.CreatedAt, expires, body)
	if err != nil {
		return fmt.Errorf("store: create approval: %w", err)
	}
	return nil
}

func (p *Postgres) GetApproval(ctx context.Context, id string) (governance.ApprovalRecord, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM approvals WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return governance.ApprovalRecord{}, governance.ErrApprovalNotFound
	}
	if err != nil {
		return governance.ApprovalRecord{}, fmt.Errorf("store: get approval: %w", err)
	}
	return decodeApproval(body)
}

// ResolveApproval updates the record only while it is still pending.
func (p *Postgres) ResolveApproval(ctx context.Context, id string, status governance.ApprovalStatus, resolution string, at time.Time) (governance.ApprovalRecord, error) {
	rec, err := p.GetApproval(ctx, id)
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
	tag, err := p.pool.Exec(ctx, `
		UPDATE approvals SET status = $1, record = $2 WHERE id = $3 AND status = $4
	`, string(status), body, id, string(governance.ApprovalPending))
	if err != nil {
		return governance.ApprovalRecord{}, fmt.Errorf("store: resolve approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := p.GetApproval(ctx, id)
		if err != nil {
			return governance.ApprovalRecord{}, err
		}
		return current, governance.ErrNotPending
	}
	return rec, nil
}

func (p *Postgres) ListApprovals(ctx context.Context, filter governance.ApprovalFilter) ([]governance.ApprovalRecord, error) {
	where := "TRUE"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.AgentID != "" {
		add("agent_id", filter.AgentID)
	}
	if filter.TenantID != "" {
		add("tenant_id", filter.TenantID)
	}
	if filter.RunID != "" {
		add("run_id", filter.RunID)
	}
	return p.queryApprovals(ctx, "SELECT record FROM approvals WHERE "+where+" ORDER BY created_at ASC, id ASC", args...)
}

func (p *Postgres) ExpiredApprovals(ctx context.Context, now time.Time) ([]governance.ApprovalRecord, error) {
	return p.queryApprovals(ctx, `
		SELECT record FROM approvals
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC
	`, string(governance.ApprovalPending), now)
}

func (p *Postgres) queryApprovals(ctx context.Context, query string, args ...any) ([]governance.ApprovalRecord, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("store: list approvals: %w", err)
	}
	out := make([]governance.ApprovalRecord, 0, len(bodies))
	for _, b := range bodies {
		rec, err := decodeApproval(b)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func pgRange(query string, args []any, column string, tr *core.TimeRange) (string, []any) {
	if tr == nil {
		return query, args
	}
	if !tr.From.IsZero() {
		args = append(args, tr.From)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if !tr.To.IsZero() {
		args = append(args, tr.To)
		query += fmt.Sprintf(" AND %s <= $%d", column, len(args))
	}
	return query, args
}
