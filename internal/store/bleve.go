package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/index/scorch"
	"github.com/blevesearch/bleve/v2/search/query"
	bleveapi "github.com/blevesearch/bleve_index_api"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

const (
	bleveContentField = "content"
	bleveMetaPrefix   = "meta_"
)

// BleveIndex is a LexicalSearcher backed by an in-memory bleve index.
// Content is analyzed with the standard analyzer; metadata values are
// indexed as keywords so filters become exact term clauses.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	chunks map[string]Chunk
	closed bool
}

// NewBleveIndex creates an empty in-memory index scored with BM25.
func NewBleveIndex() (*BleveIndex, error) {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.ScoringModel = bleveapi.BM25Scoring
	// Dynamic metadata fields are exact-match keywords.
	indexMapping.DefaultAnalyzer = keyword.Name

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = standard.Name
	contentField.Store = false
	contentField.IncludeTermVectors = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(bleveContentField, contentField)
	indexMapping.DefaultMapping = docMapping

	// BM25 needs per-field statistics that only scorch tracks; the
	// upsidedown store behind NewMemOnly silently scores with TF-IDF.
	// An empty path keeps scorch in memory.
	idx, err := bleve.NewUsing("", indexMapping, scorch.Name, scorch.Name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}

	return &BleveIndex{
		index:  idx,
		chunks: make(map[string]Chunk),
	}, nil
}

// Index adds chunks to the index in one batch.
func (b *BleveIndex) Index(ctx context.Context, chunks ...Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	next := len(b.chunks)
	added := make(map[string]Chunk, len(chunks))
	for _, ch := range chunks {
		if ch.Content == "" {
			continue
		}
		id := strconv.Itoa(next)
		next++

		doc := map[string]any{bleveContentField: ch.Content}
		for k, v := range ch.Metadata {
			doc[bleveMetaPrefix+k] = FormatValue(v)
		}
		if err := batch.Index(id, doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", id, err)
		}
		added[id] = ch
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	for id, ch := range added {
		b.chunks[id] = ch
	}
	return nil
}

// Search runs a match query over content, ANDed with one term clause per filter.
func (b *BleveIndex) Search(ctx context.Context, queryStr string, k int, filters Filters) ([]ScoredChunk, error) {
	if strings.TrimSpace(queryStr) == "" || k <= 0 {
		return []ScoredChunk{}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, amerrors.IndexUnavailable(amerrors.StageLexical, fmt.Errorf("index is closed"))
	}

	match := bleve.NewMatchQuery(queryStr)
	match.SetField(bleveContentField)

	var q query.Query = match
	if len(filters) > 0 {
		clauses := []query.Query{match}
		for key, val := range filters {
			term := bleve.NewTermQuery(FormatValue(val))
			term.SetField(bleveMetaPrefix + key)
			clauses = append(clauses, term)
		}
		q = bleve.NewConjunctionQuery(clauses...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = k

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageLexical, err)
	}

	results := make([]ScoredChunk, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ch, ok := b.chunks[hit.ID]
		if !ok || hit.Score <= 0 {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk:  ch,
			Score:  hit.Score,
			Method: MethodLexical,
		})
	}
	SortByScore(results)
	return results, nil
}

// DocCount returns the number of indexed chunks.
func (b *BleveIndex) DocCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var _ LexicalSearcher = (*BleveIndex)(nil)
