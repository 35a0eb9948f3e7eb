package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSnapshot_ParsesRecords(t *testing.T) {
	// Given: a JSONL snapshot with a blank line and legacy ingest keys
	input := `{"content":"alpha","metadata":{"doc_id":"d1","chunk_index":0,"content_hash":"h1"},"embedding":[1,0]}

{"content":"beta","metadata":{"doc_id":"d1","chunk_idx":1,"chunk_hash":"h2"}}
`

	// When: reading it
	records, err := ReadSnapshot(strings.NewReader(input))

	// Then: both records are decoded and legacy keys normalized
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []float32{1, 0}, records[0].Embedding)
	assert.Equal(t, "h2", records[1].ContentHash())
	assert.Equal(t, 1, records[1].ChunkIndex())
	assert.Nil(t, records[1].Embedding)
}

func TestReadSnapshot_RejectsEmptyContent(t *testing.T) {
	_, err := ReadSnapshot(strings.NewReader(`{"content":"","metadata":{}}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestReadSnapshot_RejectsBadJSON(t *testing.T) {
	_, err := ReadSnapshot(strings.NewReader("{\"content\":\"ok\"}\nnot json\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadSnapshot_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"content":"gamma","metadata":{"doc_id":"d2"}}`+"\n"), 0o644))

	records, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "gamma", Chunks(records)[0].Content)

	_, err = LoadSnapshot(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestMemoryCorpus_ScanHonorsLimitAndFilters(t *testing.T) {
	// Given: a corpus with two documents
	corpus := NewMemoryCorpus(
		Chunk{Content: "a1", Metadata: Metadata{"doc_id": "a"}},
		Chunk{Content: "b1", Metadata: Metadata{"doc_id": "b"}},
		Chunk{Content: "a2", Metadata: Metadata{"doc_id": "a"}},
		Chunk{Content: ""},
	)
	ctx := context.Background()

	// Then: empty chunks are dropped, and limit and filters apply in insertion order
	n, err := corpus.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	all, err := corpus.Scan(ctx, 0, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := corpus.Scan(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, contents(limited))

	filtered, err := corpus.Scan(ctx, 10, Filters{"doc_id": "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, contents(filtered))
}

func TestMemoryCorpus_ScanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryCorpus(Chunk{Content: "x"}).Scan(ctx, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func contents(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

func scoredContents(results []ScoredChunk) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Content
	}
	return out
}
