// Package store defines the chunk model and the search adapters that the
// retrieval engine fans out to: vector similarity and BM25-style lexical search.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/minio/highwayhash"
)

// Well-known metadata keys.
const (
	MetaDocID       = "doc_id"
	MetaChunkIndex  = "chunk_index"
	MetaContentHash = "content_hash"
)

// RetrievalMethod tags which stage produced a score.
type RetrievalMethod string

const (
	MethodVector            RetrievalMethod = "vector"
	MethodLexical           RetrievalMethod = "lexical"
	MethodHybridRRF         RetrievalMethod = "hybrid_rrf"
	MethodHybridRRFReranked RetrievalMethod = "hybrid_rrf_reranked"
)

const rerankedSuffix = "_reranked"

// Reranked returns the method tag with the rerank suffix appended.
func (m RetrievalMethod) Reranked() RetrievalMethod {
	return m + rerankedSuffix
}

// Metadata maps string keys to scalar or string values.
type Metadata map[string]any

// Filters is a conjunctive equality constraint over chunk metadata.
// An empty Filters matches everything.
type Filters map[string]any

// Match reports whether every filter key is present in md with an equal value.
// Numbers compare by value, so 3 (int) matches 3.0 (decoded JSON).
func (f Filters) Match(md Metadata) bool {
	for k, want := range f {
		got, ok := md[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two scalar metadata values.
func ValuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return FormatValue(a) == FormatValue(b)
}

// FormatValue renders a scalar metadata value as a string.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// Chunk is an immutable unit of retrievable text. The index owns it; the
// retrieval engine only reads it.
type Chunk struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// DocID returns the doc_id metadata value, or "" if absent.
func (c Chunk) DocID() string {
	if v, ok := c.Metadata[MetaDocID]; ok {
		return FormatValue(v)
	}
	return ""
}

// ChunkIndex returns the chunk_index metadata value, or -1 if absent.
func (c Chunk) ChunkIndex() int {
	if f, ok := toFloat(c.Metadata[MetaChunkIndex]); ok {
		return int(f)
	}
	if s, ok := c.Metadata[MetaChunkIndex].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return -1
}

// ContentHash returns the content_hash metadata value, or "" if absent.
func (c Chunk) ContentHash() string {
	if v, ok := c.Metadata[MetaContentHash]; ok && v != nil {
		return FormatValue(v)
	}
	return ""
}

// FusionKey identifies the same chunk across result lists.
type FusionKey string

var fusionHashKey = []byte("amanrag/fusion-key/highwayhash-0")

// FusionKey derives the chunk's identity from its stored content_hash.
// Chunks without one fall back to a hash of the full content.
func (c Chunk) FusionKey() FusionKey {
	if h := c.ContentHash(); h != "" {
		return FusionKey("h:" + h)
	}
	return FusionKey(fmt.Sprintf("c:%016x", highwayhash.Sum64([]byte(c.Content), fusionHashKey)))
}

// ScoredChunk is a Chunk plus a score that is only meaningful within Method.
// Stages never mutate a ScoredChunk; they produce new values.
type ScoredChunk struct {
	Chunk
	Score  float64         `json:"score"`
	Method RetrievalMethod `json:"retrieval_method"`
}

// VectorSearcher searches a vector index by similarity.
// Results are ordered by descending similarity, len <= k, Method = MethodVector.
// Backend failures are reported as IndexUnavailable; implementations never retry.
type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, k int, filters Filters) ([]ScoredChunk, error)
}

// LexicalSearcher searches by term overlap with BM25-style scoring.
// Chunks with no matching term are never returned.
type LexicalSearcher interface {
	Search(ctx context.Context, query string, k int, filters Filters) ([]ScoredChunk, error)
}

// CorpusSource enumerates a bounded working set of chunks for scan-based scoring.
type CorpusSource interface {
	// Scan returns at most limit chunks matching filters, in a stable order.
	Scan(ctx context.Context, limit int, filters Filters) ([]Chunk, error)
	// Count returns the total number of chunks in the corpus.
	Count(ctx context.Context) (int, error)
}

// SortByScore orders results by descending score, keeping input order on ties.
func SortByScore(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// Truncate returns at most k results. k <= 0 means no limit.
func Truncate(results []ScoredChunk, k int) []ScoredChunk {
	if k > 0 && len(results) > k {
		return results[:k]
	}
	return results
}
