package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	_ "github.com/lib/pq" // postgres driver
	"github.com/pgvector/pgvector-go"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PgVectorIndex is a VectorSearcher over a Postgres table using the pgvector
// extension:
//
//	<table>(id BIGSERIAL, content TEXT, metadata JSONB, embedding VECTOR(n))
//
// Filters are applied as JSONB containment, which is conjunctive equality.
type PgVectorIndex struct {
	db    *sql.DB
	table string
}

// OpenPgVectorIndex connects to Postgres with lib/pq.
func OpenPgVectorIndex(ctx context.Context, dsn, table string) (*PgVectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	idx, err := NewPgVectorIndex(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// NewPgVectorIndex wraps an existing connection pool.
func NewPgVectorIndex(db *sql.DB, table string) (*PgVectorIndex, error) {
	if table == "" {
		table = "chunks"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PgVectorIndex{db: db, table: table}, nil
}

// EnsureSchema creates the extension and table if missing.
func (p *PgVectorIndex) EnsureSchema(ctx context.Context, dimensions int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding VECTOR(%d) NOT NULL
		)`, p.table, dimensions),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert writes records that carry an embedding.
func (p *PgVectorIndex) Insert(ctx context.Context, records ...Record) error {
	query := fmt.Sprintf(`INSERT INTO %s (content, metadata, embedding) VALUES ($1, $2, $3)`, p.table)
	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			continue
		}
		md := rec.Metadata
		if md == nil {
			md = Metadata{}
		}
		raw, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := p.db.ExecContext(ctx, query, rec.Content, string(raw), pgvector.NewVector(rec.Embedding)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return nil
}

// searchQuery returns the similarity query. Cosine distance (<=>) is in
// [0, 2]; the score maps it to [0, 1] like the in-process index.
func (p *PgVectorIndex) searchQuery() string {
	return fmt.Sprintf(`SELECT content, metadata, 1 - (embedding <=> $1) / 2 AS score
		FROM %s
		WHERE metadata @> $2::jsonb
		ORDER BY embedding <=> $1
		LIMIT $3`, p.table)
}

// filtersJSON encodes filters for JSONB containment. Empty filters encode as
// {} which every row contains.
func filtersJSON(filters Filters) (string, error) {
	if len(filters) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Search returns up to k nearest chunks matching filters.
func (p *PgVectorIndex) Search(ctx context.Context, vec []float32, k int, filters Filters) ([]ScoredChunk, error) {
	if k <= 0 {
		return []ScoredChunk{}, nil
	}
	filterJSON, err := filtersJSON(filters)
	if err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageVector, fmt.Errorf("encode filters: %w", err))
	}

	rows, err := p.db.QueryContext(ctx, p.searchQuery(), pgvector.NewVector(vec), filterJSON, k)
	if err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageVector, err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]ScoredChunk, 0, k)
	for rows.Next() {
		var (
			content string
			raw     []byte
			score   float64
		)
		if err := rows.Scan(&content, &raw, &score); err != nil {
			return nil, amerrors.IndexUnavailable(amerrors.StageVector, err)
		}
		md := Metadata{}
		if err := json.Unmarshal(raw, &md); err != nil {
			return nil, amerrors.IndexUnavailable(amerrors.StageVector, fmt.Errorf("decode metadata: %w", err))
		}
		if content == "" {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk:  Chunk{Content: content, Metadata: md},
			Score:  score,
			Method: MethodVector,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageVector, err)
	}
	return results, nil
}

// Close closes the connection pool.
func (p *PgVectorIndex) Close() error {
	return p.db.Close()
}

var _ VectorSearcher = (*PgVectorIndex)(nil)
