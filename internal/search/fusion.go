package search

import (
	"sort"

	"github.com/Aman-CERP/amanrag/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search, OpenSearch, etc.).
const DefaultRRFConstant = 60

// FusedChunk is a fused result with its provenance in each input list.
type FusedChunk struct {
	store.ScoredChunk

	// Ranks holds the 0-based rank in each input list, -1 when absent.
	Ranks []int
	// ListCount is the number of input lists that contained the chunk.
	ListCount int

	order int // discovery order, used as the final tie-break
}

// RRFFusion combines ranked lists using Reciprocal Rank Fusion.
//
// Algorithm: RRF_score(d) = Σ 1 / (K + rank_i)
//
// Where:
//   - K = smoothing constant (default: 60; larger flattens the curve)
//   - rank_i = 0-based position of d in list i; lists without d contribute 0
//
// Only ranks matter, so scores from different methods never need calibrating.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion with smoothing constant k.
// If k <= 0, defaults to 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

func (f *RRFFusion) constant() int {
	if f == nil || f.K <= 0 {
		return DefaultRRFConstant
	}
	return f.K
}

// Fuse merges any number of ranked lists into one list tagged hybrid_rrf.
// Chunks are deduplicated by FusionKey; the first-discovered instance
// supplies content and metadata.
//
// Results are sorted by: fused score (desc) → list count (desc) → discovery order
func (f *RRFFusion) Fuse(lists ...[]store.ScoredChunk) []store.ScoredChunk {
	detailed := f.FuseDetailed(lists...)
	out := make([]store.ScoredChunk, len(detailed))
	for i, d := range detailed {
		out[i] = d.ScoredChunk
	}
	return out
}

// FuseDetailed is Fuse with per-chunk provenance, used for retrieval traces.
func (f *RRFFusion) FuseDetailed(lists ...[]store.ScoredChunk) []FusedChunk {
	k := float64(f.constant())

	total := 0
	for _, l := range lists {
		total += len(l)
	}
	// Return empty slice, not nil, for consistent API behavior
	if total == 0 {
		return []FusedChunk{}
	}

	byKey := make(map[store.FusionKey]*FusedChunk, total)
	ordered := make([]*FusedChunk, 0, total)

	for li, list := range lists {
		for rank, sc := range list {
			key := sc.FusionKey()
			fc, ok := byKey[key]
			if !ok {
				fc = &FusedChunk{
					ScoredChunk: store.ScoredChunk{
						Chunk:  sc.Chunk,
						Method: store.MethodHybridRRF,
					},
					Ranks: newRanks(len(lists)),
					order: len(ordered),
				}
				byKey[key] = fc
				ordered = append(ordered, fc)
			}
			// A list repeating a key only counts its best rank.
			if fc.Ranks[li] >= 0 {
				continue
			}
			fc.Ranks[li] = rank
			fc.ListCount++
			fc.Score += 1.0 / (k + float64(rank))
		}
	}

	results := make([]FusedChunk, len(ordered))
	for i, fc := range ordered {
		results[i] = *fc
	}

	sort.Slice(results, func(i, j int) bool {
		return compareFused(results[i], results[j])
	})

	return results
}

// compareFused returns true if a should rank before b.
//
// Priority:
//  1. Higher fused score
//  2. Present in more input lists
//  3. Discovered earlier (first list first, then position)
func compareFused(a, b FusedChunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.ListCount != b.ListCount {
		return a.ListCount > b.ListCount
	}
	return a.order < b.order
}

func newRanks(n int) []int {
	ranks := make([]int, n)
	for i := range ranks {
		ranks[i] = -1
	}
	return ranks
}
