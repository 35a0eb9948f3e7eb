// Package telemetry records retrieval telemetry: degraded and failed
// requests, contributing methods, stage latencies and query terms.
// All telemetry data is stored locally - no external reporting.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Latency Buckets
// =============================================================================

// dateLayout keys the daily tables.
const dateLayout = "2006-01-02"

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// =============================================================================
// Query Event
// =============================================================================

// QueryEvent is one finished retrieval request.
type QueryEvent struct {
	Query       string
	ResultCount int
	Latency     time.Duration
	// Stages holds per-stage latency keyed by stage name (embedding, vector, ...).
	Stages       map[string]time.Duration
	Methods      []string
	Degraded     bool
	Reranked     bool
	RerankFailed bool
	// Failed marks a request that surfaced an error to the caller.
	Failed    bool
	Timestamp time.Time
}

// IsZeroResult returns true if a successful query returned no results.
func (e QueryEvent) IsZeroResult() bool {
	return !e.Failed && e.ResultCount == 0
}

// =============================================================================
// Circular Buffer
// =============================================================================

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		// Buffer full - oldest item is at head
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// =============================================================================
// Term Extraction
// =============================================================================

// ExtractTerms extracts terms from a query string.
// Terms are lowercased and filtered to minimum length 3.
func ExtractTerms(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	words := strings.FieldsFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_'
	})

	terms := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}

	if len(terms) == 0 {
		return nil
	}
	return terms
}

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// =============================================================================
// Snapshot
// =============================================================================

// QueryMetricsSnapshot is an immutable snapshot of query metrics.
type QueryMetricsSnapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	FailedQueries       int64                   `json:"failed_queries"`
	DegradedQueries     int64                   `json:"degraded_queries"`
	RerankedQueries     int64                   `json:"reranked_queries"`
	RerankFallbacks     int64                   `json:"rerank_fallbacks"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	MethodCounts        map[string]int64        `json:"method_counts"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	StageAvgMs          map[string]float64      `json:"stage_avg_ms"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	ExactRepeatRate     float64                 `json:"exact_repeat_rate"`
	UniqueQueryCount    int64                   `json:"unique_query_count"`
	Since               time.Time               `json:"since"`
}

// DegradedPercentage returns the share of requests served by a single leg.
func (s *QueryMetricsSnapshot) DegradedPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.DegradedQueries) / float64(s.TotalQueries) * 100
}

// =============================================================================
// Persistence (Interface)
// =============================================================================

// QueryMetricsStore defines persistence operations for query metrics.
// Counts passed to Save/Upsert methods are deltas since the last flush.
type QueryMetricsStore interface {
	SaveMethodCounts(date string, counts map[string]int64) error
	GetMethodCounts(from, to string) (map[string]int64, error)

	UpsertTermCounts(terms map[string]int64) error
	GetTopTerms(limit int) ([]TermCount, error)

	AddZeroResultQuery(query string, timestamp time.Time) error
	GetZeroResultQueries(limit int) ([]string, error)

	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	GetLatencyCounts(from, to string) (map[LatencyBucket]int64, error)

	Close() error
}

// =============================================================================
// Query Metrics
// =============================================================================

// QueryMetricsConfig configures the query metrics collector.
type QueryMetricsConfig struct {
	TopTermsCapacity      int           // Max terms to track (default: 100)
	ZeroResultsCapacity   int           // Max zero-result queries to keep (default: 100)
	RecentQueriesCapacity int           // Max query hashes for repeat detection (default: 500)
	FlushInterval         time.Duration // How often to flush to store (default: 60s, 0 = no auto-flush)
}

// DefaultQueryMetricsConfig returns sensible defaults.
func DefaultQueryMetricsConfig() QueryMetricsConfig {
	return QueryMetricsConfig{
		TopTermsCapacity:      100,
		ZeroResultsCapacity:   100,
		RecentQueriesCapacity: 500,
		FlushInterval:         60 * time.Second,
	}
}

type zeroResult struct {
	query string
	at    time.Time
}

// QueryMetrics collects retrieval telemetry. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	totalQueries    int64
	failedQueries   int64
	degradedQueries int64
	rerankedQueries int64
	rerankFallbacks int64
	zeroResultCount int64
	methods         map[string]int64
	latencies       map[LatencyBucket]int64
	stageTotals     map[string]time.Duration
	stageCounts     map[string]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	startTime       time.Time

	recentQueries    *lru.Cache[string, struct{}]
	exactRepeatCount int64

	// Deltas not yet written to the store.
	pendingMethods   map[string]int64
	pendingLatencies map[LatencyBucket]int64
	pendingTerms     map[string]int64
	pendingZero      []zeroResult

	store       QueryMetricsStore
	config      QueryMetricsConfig
	flushTicker *time.Ticker
	stopCh      chan struct{}
	loopDone    chan struct{}
	closed      bool
}

// NewQueryMetrics creates a collector with default configuration.
// If store is nil, metrics are only kept in memory.
func NewQueryMetrics(store QueryMetricsStore) *QueryMetrics {
	return NewQueryMetricsWithConfig(store, DefaultQueryMetricsConfig())
}

// NewQueryMetricsWithConfig creates a collector with custom configuration.
func NewQueryMetricsWithConfig(store QueryMetricsStore, cfg QueryMetricsConfig) *QueryMetrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = 100
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = 500
	}

	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recentQueries, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	m := &QueryMetrics{
		methods:          make(map[string]int64),
		latencies:        make(map[LatencyBucket]int64),
		stageTotals:      make(map[string]time.Duration),
		stageCounts:      make(map[string]int64),
		topTerms:         topTerms,
		zeroResults:      NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		startTime:        time.Now(),
		recentQueries:    recentQueries,
		pendingMethods:   make(map[string]int64),
		pendingLatencies: make(map[LatencyBucket]int64),
		pendingTerms:     make(map[string]int64),
		store:            store,
		config:           cfg,
		stopCh:           make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && store != nil {
		m.flushTicker = time.NewTicker(cfg.FlushInterval)
		m.loopDone = make(chan struct{})
		go m.flushLoop()
	}

	return m
}

func (m *QueryMetrics) flushLoop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.flushTicker.C:
			if err := m.Flush(); err != nil {
				slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
			}
		case <-m.stopCh:
			return
		}
	}
}

// Record captures one finished request. Non-blocking apart from the mutex.
func (m *QueryMetrics) Record(event QueryEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.totalQueries++
	if event.Failed {
		m.failedQueries++
	}
	if event.Degraded {
		m.degradedQueries++
	}
	if event.Reranked {
		m.rerankedQueries++
	}
	if event.RerankFailed {
		m.rerankFallbacks++
	}

	for _, method := range event.Methods {
		m.methods[method]++
		m.pendingMethods[method]++
	}

	for _, term := range ExtractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
		m.pendingTerms[term]++
	}

	if event.IsZeroResult() {
		m.zeroResults.Add(event.Query)
		m.zeroResultCount++
		m.pendingZero = append(m.pendingZero, zeroResult{query: event.Query, at: event.Timestamp})
	}

	bucket := LatencyToBucket(event.Latency)
	m.latencies[bucket]++
	m.pendingLatencies[bucket]++

	for stage, d := range event.Stages {
		m.stageTotals[stage] += d
		m.stageCounts[stage]++
	}

	queryHash := hashQuery(event.Query)
	if _, exists := m.recentQueries.Get(queryHash); exists {
		m.exactRepeatCount++
	}
	m.recentQueries.Add(queryHash, struct{}{})
}

// hashQuery creates a normalized hash of the query for repetition detection.
func hashQuery(query string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:16])
}

// Snapshot returns current metrics for reporting.
func (m *QueryMetrics) Snapshot() *QueryMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *QueryMetrics) snapshotLocked() *QueryMetricsSnapshot {
	methods := make(map[string]int64, len(m.methods))
	for k, v := range m.methods {
		methods[k] = v
	}

	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	stageAvg := make(map[string]float64, len(m.stageTotals))
	for stage, total := range m.stageTotals {
		if n := m.stageCounts[stage]; n > 0 {
			stageAvg[stage] = float64(total.Microseconds()) / 1000 / float64(n)
		}
	}

	topTerms := make([]TermCount, 0, m.topTerms.Len())
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	sort.SliceStable(topTerms, func(i, j int) bool {
		return topTerms[i].Count > topTerms[j].Count
	})

	var repeatRate float64
	if m.totalQueries > 0 {
		repeatRate = float64(m.exactRepeatCount) / float64(m.totalQueries)
	}

	return &QueryMetricsSnapshot{
		TotalQueries:        m.totalQueries,
		FailedQueries:       m.failedQueries,
		DegradedQueries:     m.degradedQueries,
		RerankedQueries:     m.rerankedQueries,
		RerankFallbacks:     m.rerankFallbacks,
		ZeroResultCount:     m.zeroResultCount,
		MethodCounts:        methods,
		LatencyDistribution: latencies,
		StageAvgMs:          stageAvg,
		TopTerms:            topTerms,
		ZeroResultQueries:   m.zeroResults.Items(),
		ExactRepeatCount:    m.exactRepeatCount,
		ExactRepeatRate:     repeatRate,
		UniqueQueryCount:    int64(m.recentQueries.Len()),
		Since:               m.startTime,
	}
}

// History limits.
const (
	DefaultHistoryDays = 30
	historyListLimit   = 10
)

// MetricsHistory is the telemetry persisted by earlier flushes, including
// those of previous processes sharing the store.
type MetricsHistory struct {
	From                string                  `json:"from"`
	To                  string                  `json:"to"`
	MethodCounts        map[string]int64        `json:"method_counts"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
}

// History reads daily method and latency totals for the last days days
// (today included), the all-time top terms and the newest zero-result
// queries from the store. Deltas not yet flushed are not included.
// It returns nil without a store.
func (m *QueryMetrics) History(days int) (*MetricsHistory, error) {
	if m.store == nil {
		return nil, nil
	}
	if days <= 0 {
		days = DefaultHistoryDays
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("query metrics are closed")
	}

	now := time.Now()
	h := &MetricsHistory{
		From: now.AddDate(0, 0, -(days - 1)).Format(dateLayout),
		To:   now.Format(dateLayout),
	}

	var err error
	if h.MethodCounts, err = m.store.GetMethodCounts(h.From, h.To); err != nil {
		return nil, err
	}
	if h.LatencyDistribution, err = m.store.GetLatencyCounts(h.From, h.To); err != nil {
		return nil, err
	}
	if h.TopTerms, err = m.store.GetTopTerms(historyListLimit); err != nil {
		return nil, err
	}
	if h.ZeroResultQueries, err = m.store.GetZeroResultQueries(historyListLimit); err != nil {
		return nil, err
	}
	return h, nil
}

// Flush writes the deltas accumulated since the last flush to the store.
// Safe to call even if no store is configured. On failure the deltas are
// kept and retried on the next flush.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	methods, latencies, terms, zero := m.pendingMethods, m.pendingLatencies, m.pendingTerms, m.pendingZero
	m.pendingMethods = make(map[string]int64)
	m.pendingLatencies = make(map[LatencyBucket]int64)
	m.pendingTerms = make(map[string]int64)
	m.pendingZero = nil
	m.mu.Unlock()

	today := time.Now().Format(dateLayout)

	// Each step restores only what has not been written yet.
	if len(methods) > 0 {
		if err := m.store.SaveMethodCounts(today, methods); err != nil {
			m.restorePending(methods, latencies, terms, zero)
			return err
		}
	}
	if len(latencies) > 0 {
		if err := m.store.SaveLatencyCounts(today, latencies); err != nil {
			m.restorePending(nil, latencies, terms, zero)
			return err
		}
	}
	if err := m.store.UpsertTermCounts(terms); err != nil {
		m.restorePending(nil, nil, terms, zero)
		return err
	}
	for i, z := range zero {
		if err := m.store.AddZeroResultQuery(z.query, z.at); err != nil {
			m.restorePending(nil, nil, nil, zero[i:])
			return err
		}
	}
	return nil
}

func (m *QueryMetrics) restorePending(
	methods map[string]int64,
	latencies map[LatencyBucket]int64,
	terms map[string]int64,
	zero []zeroResult,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range methods {
		m.pendingMethods[k] += v
	}
	for k, v := range latencies {
		m.pendingLatencies[k] += v
	}
	for k, v := range terms {
		m.pendingTerms[k] += v
	}
	m.pendingZero = append(zero, m.pendingZero...)
}

// Close stops the flush loop, flushes and releases resources.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.flushTicker != nil {
		m.flushTicker.Stop()
		close(m.stopCh)
		// A tick may be mid-flush; the store must outlive it.
		<-m.loopDone
	}

	if err := m.Flush(); err != nil {
		return err
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
