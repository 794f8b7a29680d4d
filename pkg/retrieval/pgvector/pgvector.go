// Package pgvector implements retrieval.Service on Postgres with the pgvector
// extension. Passages live in one table partitioned by knowledge_space_id:
//
//	CREATE TABLE knowledge_passages (
//	  id TEXT PRIMARY KEY,
//	  knowledge_space_id TEXT NOT NULL,
//	  content TEXT NOT NULL,
//	  source TEXT NOT NULL DEFAULT '',
//	  metadata JSONB NOT NULL DEFAULT '{}',
//	  embedding VECTOR NOT NULL
//	);
package pgvector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/jllopis/watt/pkg/retrieval"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "knowledge_passages"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Store searches passages by cosine distance.
type Store struct {
	pool     *pgxpool.Pool
	table    string
	embedder retrieval.Embedder
}

// New connects to dsn and registers the vector types on every connection.
func New(ctx context.Context, dsn, table string, embedder retrieval.Embedder, logger *slog.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("pgvector: embedder is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("pgvector: invalid table name %q", table)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: parse DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("pgvector: types not registered", slog.String("error", err.Error()))
		}
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector: create pool: %w", err)
	}
	return &Store{pool: pool, table: table, embedder: embedder}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Index embeds and upserts one passage.
func (s *Store) Index(ctx context.Context, knowledgeSpaceID, id string, p retrieval.Passage) error {
	vec, err := s.embedder.Embed(ctx, p.Content)
	if err != nil {
		return fmt.Errorf("pgvector: embed %s: %w", id, err)
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err = s.pool.Exec(ctx, upsertQuery(s.table), id, knowledgeSpaceID, p.Content, p.Source, meta, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("pgvector: upsert %s: %w", id, err)
	}
	return nil
}

// Search implements retrieval.Service. Score is 1 - cosine distance.
func (s *Store) Search(ctx context.Context, knowledgeSpaceID, query string, topK int) ([]retrieval.Passage, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pgvector: embed query: %w", err)
	}
	rows, err := s.pool.Query(ctx, searchQuery(s.table), pgvector.NewVector(vec), knowledgeSpaceID, retrieval.ClampTopK(topK))
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var out []retrieval.Passage
	for rows.Next() {
		var (
			p        retrieval.Passage
			distance float64
		)
		if err := rows.Scan(&p.Content, &p.Source, &p.Metadata, &distance); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		p.Score = 1 - distance
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: rows: %w", err)
	}
	return out, nil
}

// Ping implements retrieval.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (id, knowledge_space_id, content, source, metadata, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET knowledge_space_id = EXCLUDED.knowledge_space_id,
    content = EXCLUDED.content,
    source = EXCLUDED.source,
    metadata = EXCLUDED.metadata,
    embedding = EXCLUDED.embedding`, table)
}

func searchQuery(table string) string {
	return fmt.Sprintf(`SELECT content, source, metadata, embedding <=> $1 AS distance
FROM %s
WHERE knowledge_space_id = $2
ORDER BY distance ASC
LIMIT $3`, table)
}

var _ retrieval.Service = (*Store)(nil)
