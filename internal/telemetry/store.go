package telemetry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteMetricsStore implements QueryMetricsStore using SQLite.
type SQLiteMetricsStore struct {
	db    *sql.DB
	owned bool
}

// NewSQLiteMetricsStore wraps an existing connection. The telemetry tables
// must already exist (see InitTelemetrySchema). Close leaves db open.
func NewSQLiteMetricsStore(db *sql.DB) (*SQLiteMetricsStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteMetricsStore{db: db}, nil
}

// OpenSQLiteMetricsStore opens (or creates) a telemetry database at path.
func OpenSQLiteMetricsStore(path string) (*SQLiteMetricsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure telemetry db: %w", err)
	}
	if err := InitTelemetrySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteMetricsStore{db: db, owned: true}, nil
}

// InitTelemetrySchema creates the telemetry tables if they don't exist.
func InitTelemetrySchema(db *sql.DB) error {
	schema := `
	-- Contributing retrieval methods (aggregated daily)
	CREATE TABLE IF NOT EXISTS method_stats (
		date TEXT NOT NULL,
		method TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, method)
	);

	-- Top query terms (with frequency count)
	CREATE TABLE IF NOT EXISTS query_terms (
		term TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 1,
		last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

	-- Zero-result queries (circular buffer - max 100)
	CREATE TABLE IF NOT EXISTS zero_result_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Latency histogram (buckets: <10ms, 10-50ms, 50-100ms, 100-500ms, >500ms)
	CREATE TABLE IF NOT EXISTS query_latency_stats (
		date TEXT NOT NULL,
		bucket TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, bucket)
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create telemetry schema: %w", err)
	}
	return nil
}

// Daily counter tables and their key columns.
const (
	methodTable  = "method_stats"
	methodKey    = "method"
	latencyTable = "query_latency_stats"
	latencyKey   = "bucket"

	zeroResultKeep = 100
)

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (s *SQLiteMetricsStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// addDaily adds counts to one day of a daily counter table.
func (s *SQLiteMetricsStore) addDaily(table, key, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(fmt.Sprintf(`
			INSERT INTO %[1]s (date, %[2]s, count) VALUES (?, ?, ?)
			ON CONFLICT(date, %[2]s) DO UPDATE SET count = count + excluded.count
		`, table, key))
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", table, err)
		}
		defer stmt.Close()

		for k, n := range counts {
			if _, err := stmt.Exec(date, k, n); err != nil {
				return fmt.Errorf("add %s %s: %w", table, k, err)
			}
		}
		return nil
	})
}

// sumDaily totals a daily counter table over [from, to], dates as YYYY-MM-DD.
func (s *SQLiteMetricsStore) sumDaily(table, key, from, to string) (map[string]int64, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %[2]s, SUM(count) FROM %[1]s
		WHERE date >= ? AND date <= ?
		GROUP BY %[2]s
	`, table, key), from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		totals[k] = n
	}
	return totals, rows.Err()
}

// SaveMethodCounts adds one day's contributing-method counts.
func (s *SQLiteMetricsStore) SaveMethodCounts(date string, counts map[string]int64) error {
	return s.addDaily(methodTable, methodKey, date, counts)
}

// GetMethodCounts totals method counts over a date range.
func (s *SQLiteMetricsStore) GetMethodCounts(from, to string) (map[string]int64, error) {
	return s.sumDaily(methodTable, methodKey, from, to)
}

// SaveLatencyCounts adds one day's latency histogram counts.
func (s *SQLiteMetricsStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	byName := make(map[string]int64, len(counts))
	for bucket, n := range counts {
		byName[string(bucket)] = n
	}
	return s.addDaily(latencyTable, latencyKey, date, byName)
}

// GetLatencyCounts totals the latency histogram over a date range.
func (s *SQLiteMetricsStore) GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error) {
	totals, err := s.sumDaily(latencyTable, latencyKey, from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[LatencyBucket]int64, len(totals))
	for bucket, n := range totals {
		counts[LatencyBucket(bucket)] = n
	}
	return counts, nil
}

// UpsertTermCounts adds to the all-time query term counts.
func (s *SQLiteMetricsStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO query_terms (term, count, last_seen) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(term) DO UPDATE SET count = count + excluded.count, last_seen = CURRENT_TIMESTAMP
		`)
		if err != nil {
			return fmt.Errorf("prepare term upsert: %w", err)
		}
		defer stmt.Close()

		for term, n := range terms {
			if _, err := stmt.Exec(term, n); err != nil {
				return fmt.Errorf("upsert term %s: %w", term, err)
			}
		}
		return nil
	})
}

// GetTopTerms returns the most frequent query terms, highest first.
func (s *SQLiteMetricsStore) GetTopTerms(limit int) ([]TermCount, error) {
	rows, err := s.db.Query(`SELECT term, count FROM query_terms ORDER BY count DESC, term LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	var terms []TermCount
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			return nil, fmt.Errorf("scan term: %w", err)
		}
		terms = append(terms, tc)
	}
	return terms, rows.Err()
}

// AddZeroResultQuery records a query that returned nothing, keeping only the
// newest entries.
func (s *SQLiteMetricsStore) AddZeroResultQuery(query string, timestamp time.Time) error {
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO zero_result_queries (query, timestamp) VALUES (?, ?)`, query, timestamp); err != nil {
			return fmt.Errorf("insert zero-result query: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM zero_result_queries
			WHERE id NOT IN (SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)
		`, zeroResultKeep); err != nil {
			return fmt.Errorf("trim zero-result queries: %w", err)
		}
		return nil
	})
}

// GetZeroResultQueries returns the newest zero-result queries first.
func (s *SQLiteMetricsStore) GetZeroResultQueries(limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT query FROM zero_result_queries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()

	var queries []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan zero-result query: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// Close releases the database when the store opened it.
func (s *SQLiteMetricsStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

var _ QueryMetricsStore = (*SQLiteMetricsStore)(nil)
