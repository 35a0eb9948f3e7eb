package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/store"
)

func TestRRFFusion_TwoListScenario(t *testing.T) {
	// Given: A=[x,y,z] and B=[y,x,w] with K=60
	a := ranked(store.MethodVector, "x", "y", "z")
	b := ranked(store.MethodLexical, "y", "x", "w")

	// When
	fused := NewRRFFusion(60).Fuse(a, b)

	// Then: x and y tie on score, x was discovered first; z beats w on rank
	assert.Equal(t, []string{"x", "y", "z", "w"}, hashes(fused))
	assert.InDelta(t, 1.0/60+1.0/61, fused[0].Score, 1e-12)
	assert.InDelta(t, 1.0/60+1.0/61, fused[1].Score, 1e-12)
	assert.InDelta(t, 1.0/62, fused[2].Score, 1e-12)
	assert.InDelta(t, 1.0/62, fused[3].Score, 1e-12)
	for _, c := range fused {
		assert.Equal(t, store.MethodHybridRRF, c.Method)
	}
}

func TestRRFFusion_Deterministic(t *testing.T) {
	a := ranked(store.MethodVector, "a", "b", "c", "d", "e")
	b := ranked(store.MethodLexical, "e", "c", "f", "a", "g")
	f := NewRRFFusion(60)

	first := f.Fuse(a, b)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, f.Fuse(a, b))
	}
}

func TestRRFFusion_NoDuplicateKeysAndUnionCoverage(t *testing.T) {
	a := ranked(store.MethodVector, "a", "b", "c")
	b := ranked(store.MethodLexical, "c", "d", "a", "e")

	fused := NewRRFFusion(60).Fuse(a, b)

	seen := make(map[store.FusionKey]bool)
	for _, c := range fused {
		key := c.FusionKey()
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, hashes(fused))
}

func TestRRFFusion_ScoresNonIncreasing(t *testing.T) {
	a := ranked(store.MethodVector, "a", "b", "c", "d", "e", "f")
	b := ranked(store.MethodLexical, "f", "e", "x", "y", "a")

	fused := NewRRFFusion(10).Fuse(a, b)

	for i := 1; i < len(fused); i++ {
		assert.GreaterOrEqual(t, fused[i-1].Score, fused[i].Score)
	}
}

func TestRRFFusion_Monotonicity(t *testing.T) {
	// Given: c at rank 2 in A, then moved up to rank 0
	b := ranked(store.MethodLexical, "q", "c", "r")
	before := NewRRFFusion(60).Fuse(ranked(store.MethodVector, "a", "b", "c"), b)
	after := NewRRFFusion(60).Fuse(ranked(store.MethodVector, "c", "a", "b"), b)

	score := func(list []store.ScoredChunk, id string) float64 {
		for _, c := range list {
			if c.ContentHash() == id {
				return c.Score
			}
		}
		return math.NaN()
	}

	// Then: improving a rank never lowers the fused score
	assert.Greater(t, score(after, "c"), score(before, "c"))
}

func TestRRFFusion_SingleListMatchesReciprocalRank(t *testing.T) {
	only := ranked(store.MethodLexical, "a", "b", "c")

	fused := NewRRFFusion(60).Fuse(only)

	require.Len(t, fused, 3)
	for i, c := range fused {
		assert.Equal(t, only[i].ContentHash(), c.ContentHash())
		assert.InDelta(t, 1.0/float64(60+i), c.Score, 1e-12)
	}
}

func TestRRFFusion_ThreeListsWithProvenance(t *testing.T) {
	l1 := ranked(store.MethodVector, "p", "q")
	l2 := ranked(store.MethodLexical, "z", "q")
	l3 := ranked(store.MethodLexical, "p")

	fused := NewRRFFusion(60).FuseDetailed(l1, l2, l3)

	// p: 1/60 + 1/60, q: 1/61 + 1/61, z: 1/60
	require.Len(t, fused, 3)
	assert.Equal(t, "p", fused[0].ContentHash())
	assert.Equal(t, 2, fused[0].ListCount)
	assert.Equal(t, []int{0, -1, 0}, fused[0].Ranks)
	assert.Equal(t, "q", fused[1].ContentHash())
	assert.Equal(t, []int{1, 1, -1}, fused[1].Ranks)
	assert.Equal(t, "z", fused[2].ContentHash())
}

func TestRRFFusion_EqualScoreMoreListsWins(t *testing.T) {
	// With K=1: "solo" at rank 0 scores 1/1 = 1.0, "both" at rank 1 in two
	// lists scores 1/2 + 1/2 = 1.0. The chunk in more lists wins the tie.
	l1 := ranked(store.MethodVector, "solo", "both")
	l2 := ranked(store.MethodLexical, "other", "both")

	fused := NewRRFFusion(1).FuseDetailed(l1, l2)

	require.Len(t, fused, 3)
	assert.Equal(t, "both", fused[0].ContentHash())
	assert.Equal(t, "solo", fused[1].ContentHash())
	assert.Equal(t, "other", fused[2].ContentHash())
}

func TestRRFFusion_FirstInstanceSuppliesContent(t *testing.T) {
	a := []store.ScoredChunk{chunk("k", 0.9, store.MethodVector)}
	b := []store.ScoredChunk{chunk("k", 12.5, store.MethodLexical)}
	b[0].Metadata = store.Metadata{store.MetaContentHash: "k", "source": "lexical"}

	fused := NewRRFFusion(60).Fuse(a, b)

	require.Len(t, fused, 1)
	assert.Equal(t, "doc-k", fused[0].DocID())
	assert.NotContains(t, fused[0].Metadata, "source")
}

func TestRRFFusion_FallsBackToContentWhenHashMissing(t *testing.T) {
	same := store.Chunk{Content: "identical text"}
	a := []store.ScoredChunk{{Chunk: same, Score: 1, Method: store.MethodVector}}
	b := []store.ScoredChunk{{Chunk: same, Score: 3, Method: store.MethodLexical}}
	// Same prefix, different full content: a distinct chunk.
	c := []store.ScoredChunk{{Chunk: store.Chunk{Content: "identical text, longer"}, Method: store.MethodLexical}}

	fused := NewRRFFusion(60).Fuse(a, b, c)

	assert.Len(t, fused, 2)
}

func TestRRFFusion_EmptyAndDefaults(t *testing.T) {
	f := NewRRFFusion(0)
	assert.Equal(t, DefaultRRFConstant, f.K)

	fused := f.Fuse()
	assert.NotNil(t, fused)
	assert.Empty(t, fused)

	assert.Empty(t, f.Fuse(nil, []store.ScoredChunk{}))

	var zero RRFFusion
	got := zero.Fuse(ranked(store.MethodVector, "a"))
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0/60, got[0].Score, 1e-12)
}
