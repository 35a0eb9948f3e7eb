package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// metadataKeyPattern restricts filter keys that are spliced into JSON paths.
var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLiteCorpus is a CorpusSource over a SQLite chunk table written by the
// ingestion pipeline:
//
//	chunks(id INTEGER PRIMARY KEY, content TEXT NOT NULL, metadata TEXT NOT NULL)
//
// metadata holds a JSON object; filters are evaluated with json_extract.
type SQLiteCorpus struct {
	db *sql.DB
}

// OpenSQLiteCorpus opens (or creates) the corpus database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLiteCorpus(path string) (*SQLiteCorpus, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases alive and avoids
	// lock contention on file databases.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	c := &SQLiteCorpus{db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCorpus) initSchema() error {
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		content  TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`)
	return err
}

// Insert appends chunks. Used to load a snapshot into a fresh database.
func (c *SQLiteCorpus) Insert(ctx context.Context, chunks ...Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (content, metadata) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ch := range chunks {
		if ch.Content == "" {
			continue
		}
		md := ch.Metadata
		if md == nil {
			md = Metadata{}
		}
		raw, err := json.Marshal(md)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ch.Content, string(raw)); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	return tx.Commit()
}

// Scan returns at most limit chunks matching filters in id order.
func (c *SQLiteCorpus) Scan(ctx context.Context, limit int, filters Filters) ([]Chunk, error) {
	query, args, err := buildScanQuery(limit, filters)
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Chunk
	for rows.Next() {
		var content, raw string
		if err := rows.Scan(&content, &raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		md := Metadata{}
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out = append(out, Chunk{Content: content, Metadata: md})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// buildScanQuery renders the scan SQL. Filter keys are sorted so the same
// filters always produce the same statement.
func buildScanQuery(limit int, filters Filters) (string, []any, error) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		if !metadataKeyPattern.MatchString(k) {
			return "", nil, fmt.Errorf("invalid filter key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("SELECT content, metadata FROM chunks")
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "json_extract(metadata, '$.%s') = ?", k)
		args = append(args, filters[k])
	}
	sb.WriteString(" ORDER BY id")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	return sb.String(), args, nil
}

// Count returns the number of chunks in the table.
func (c *SQLiteCorpus) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (c *SQLiteCorpus) Close() error {
	return c.db.Close()
}

var _ CorpusSource = (*SQLiteCorpus)(nil)
