package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/panjf2000/ants/v2"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// BM25Config holds the scan-based lexical scorer's parameters.
type BM25Config struct {
	// K1 controls term frequency saturation.
	K1 float64
	// B controls document length normalization (0 = none, 1 = full).
	B float64
	// ScanLimit bounds the working set pulled from the corpus per query.
	ScanLimit int
	// Workers is the number of goroutines tokenizing the working set.
	Workers int
}

// DefaultBM25Config returns standard BM25 parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:        1.2,
		B:         0.75,
		ScanLimit: 1000,
		Workers:   4,
	}
}

// ScanBM25 is a LexicalSearcher that scores a bounded working set pulled from
// a CorpusSource. IDF and average length are computed over that working set,
// so scores are relative to it rather than to the full index.
type ScanBM25 struct {
	source CorpusSource
	config BM25Config
	pool   *ants.Pool
}

// NewScanBM25 creates a scan-based lexical searcher.
func NewScanBM25(source CorpusSource, cfg BM25Config) (*ScanBM25, error) {
	if source == nil {
		return nil, fmt.Errorf("scan bm25: corpus source is required")
	}
	defaults := DefaultBM25Config()
	if cfg.K1 < 0 {
		cfg.K1 = defaults.K1
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = defaults.B
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = defaults.ScanLimit
	}

	s := &ScanBM25{source: source, config: cfg}
	if cfg.Workers > 1 {
		pool, err := ants.NewPool(cfg.Workers)
		if err != nil {
			return nil, fmt.Errorf("scan bm25: create worker pool: %w", err)
		}
		s.pool = pool
	}
	return s, nil
}

// Close releases the worker pool.
func (s *ScanBM25) Close() error {
	if s.pool != nil {
		s.pool.Release()
	}
	return nil
}

// termStats is the tokenized form of one working-set chunk.
type termStats struct {
	tf     map[string]int
	length int
}

// Search scores the working set against query and returns the top k matches.
func (s *ScanBM25) Search(ctx context.Context, query string, k int, filters Filters) ([]ScoredChunk, error) {
	terms := uniqueTerms(query)
	if len(terms) == 0 || k <= 0 {
		return []ScoredChunk{}, nil
	}

	chunks, err := s.source.Scan(ctx, s.config.ScanLimit, filters)
	if err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageLexical, err)
	}
	if len(chunks) == 0 {
		return []ScoredChunk{}, nil
	}

	wanted := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		wanted[t] = struct{}{}
	}

	stats, err := s.tokenize(ctx, chunks, wanted)
	if err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageLexical, err)
	}

	var totalLen int
	df := make(map[string]int, len(terms))
	for _, st := range stats {
		totalLen += st.length
		for t := range st.tf {
			df[t]++
		}
	}
	n := float64(len(stats))
	avgLen := float64(totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	k1, b := s.config.K1, s.config.B
	results := make([]ScoredChunk, 0, len(chunks))
	for i, st := range stats {
		if len(st.tf) == 0 {
			continue
		}
		norm := k1 * (1 - b + b*float64(st.length)/avgLen)
		var score float64
		for _, t := range terms {
			tf := float64(st.tf[t])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			score += idf * tf * (k1 + 1) / (tf + norm)
		}
		if score <= 0 {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk:  chunks[i],
			Score:  score,
			Method: MethodLexical,
		})
	}

	SortByScore(results)
	return Truncate(results, k), nil
}

// tokenize builds per-chunk term frequencies for the query terms, splitting
// the working set across the worker pool.
func (s *ScanBM25) tokenize(ctx context.Context, chunks []Chunk, wanted map[string]struct{}) ([]termStats, error) {
	stats := make([]termStats, len(chunks))
	work := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			tokens := Tokenize(chunks[i].Content)
			tf := make(map[string]int)
			for _, tok := range tokens {
				if _, ok := wanted[tok]; ok {
					tf[tok]++
				}
			}
			stats[i] = termStats{tf: tf, length: len(tokens)}
		}
	}

	if s.pool == nil || len(chunks) < 2*s.config.Workers {
		work(0, len(chunks))
		return stats, ctx.Err()
	}

	size := (len(chunks) + s.config.Workers - 1) / s.config.Workers
	var wg sync.WaitGroup
	for lo := 0; lo < len(chunks); lo += size {
		hi := min(lo+size, len(chunks))
		wg.Add(1)
		task := func() {
			defer wg.Done()
			work(lo, hi)
		}
		if err := s.pool.Submit(task); err != nil {
			// Pool released or overloaded: score this partition inline.
			task()
		}
	}
	wg.Wait()
	return stats, ctx.Err()
}

var _ LexicalSearcher = (*ScanBM25)(nil)
