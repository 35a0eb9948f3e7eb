package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiltersJSON(t *testing.T) {
	got, err := filtersJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", got)

	got, err = filtersJSON(Filters{"doc_id": "a", "chunk_index": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc_id":"a","chunk_index":2}`, got)
}

func TestNewPgVectorIndex_ValidatesTable(t *testing.T) {
	idx, err := NewPgVectorIndex(nil, "")
	require.NoError(t, err)
	assert.Contains(t, idx.searchQuery(), "FROM chunks")
	assert.Contains(t, idx.searchQuery(), "metadata @> $2::jsonb")
	assert.Contains(t, idx.searchQuery(), "ORDER BY embedding <=> $1")

	_, err = NewPgVectorIndex(nil, "chunks; DROP TABLE x")
	assert.Error(t, err)
}
