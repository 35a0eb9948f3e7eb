package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// HNSWConfig configures an HNSWIndex.
type HNSWConfig struct {
	Dimensions int
	M          int // max connections per node, default 16
	EfSearch   int // search candidate list size, default 20
}

// ErrDimensionMismatch is returned when a vector has the wrong dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// HNSWIndex is an in-process VectorSearcher over coder/hnsw with cosine distance.
// Each graph node carries the chunk it was built from, so hits can be
// returned with their payload and filtered on metadata.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	chunks  map[uint64]Chunk
	nextKey uint64
}

// NewHNSWIndex creates an empty index.
func NewHNSWIndex(cfg HNSWConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		chunks: make(map[uint64]Chunk),
	}, nil
}

// Add inserts records. Records without an embedding are skipped.
func (x *HNSWIndex) Add(records ...Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			continue
		}
		if len(rec.Embedding) != x.config.Dimensions {
			return ErrDimensionMismatch{Expected: x.config.Dimensions, Got: len(rec.Embedding)}
		}

		vec := make([]float32, len(rec.Embedding))
		copy(vec, rec.Embedding)
		normalizeVectorInPlace(vec)

		key := x.nextKey
		x.nextKey++
		x.graph.Add(hnsw.MakeNode(key, vec))
		x.chunks[key] = rec.Chunk
	}
	return nil
}

// Len returns the number of indexed vectors.
func (x *HNSWIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

// Search returns up to k chunks nearest to vec that match filters.
// With filters, the candidate pool is widened until k matches are found or
// the whole graph has been considered.
func (x *HNSWIndex) Search(ctx context.Context, vec []float32, k int, filters Filters) ([]ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, amerrors.IndexUnavailable(amerrors.StageVector, err)
	}
	if len(vec) != x.config.Dimensions {
		return nil, amerrors.IndexUnavailable(amerrors.StageVector,
			ErrDimensionMismatch{Expected: x.config.Dimensions, Got: len(vec)})
	}
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	total := x.graph.Len()
	if total == 0 {
		return []ScoredChunk{}, nil
	}

	query := make([]float32, len(vec))
	copy(query, vec)
	normalizeVectorInPlace(query)

	fetch := k
	if len(filters) > 0 {
		fetch = k * 4
	}

	var results []ScoredChunk
	for {
		if err := ctx.Err(); err != nil {
			return nil, amerrors.IndexUnavailable(amerrors.StageVector, err)
		}

		fetch = min(fetch, total)
		nodes := x.graph.Search(query, fetch)

		results = results[:0]
		for _, node := range nodes {
			ch, ok := x.chunks[node.Key]
			if !ok || !filters.Match(ch.Metadata) {
				continue
			}
			distance := x.graph.Distance(query, node.Value)
			results = append(results, ScoredChunk{
				Chunk:  ch,
				Score:  float64(distanceToScore(distance)),
				Method: MethodVector,
			})
		}

		if len(results) >= k || fetch >= total {
			break
		}
		fetch *= 2
	}

	SortByScore(results)
	return Truncate(results, k), nil
}

var _ VectorSearcher = (*HNSWIndex)(nil)

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore maps cosine distance (0 identical, 2 opposite) to a 0-1 similarity.
func distanceToScore(distance float32) float32 {
	return 1.0 - distance/2.0
}
