//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPgVector(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("amanrag"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPgVectorIndex_Integration(t *testing.T) {
	dsn := startPgVector(t)
	ctx := context.Background()

	idx, err := OpenPgVectorIndex(ctx, dsn, "chunks")
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	require.NoError(t, idx.EnsureSchema(ctx, 3))
	require.NoError(t, idx.Insert(ctx,
		Record{Chunk: Chunk{Content: "x-axis", Metadata: Metadata{"doc_id": "a"}}, Embedding: []float32{1, 0, 0}},
		Record{Chunk: Chunk{Content: "y-axis", Metadata: Metadata{"doc_id": "b"}}, Embedding: []float32{0, 1, 0}},
		Record{Chunk: Chunk{Content: "z-axis", Metadata: Metadata{"doc_id": "a"}}, Embedding: []float32{0, 0, 1}},
	))

	results, err := idx.Search(ctx, []float32{1, 0.1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "x-axis", results[0].Content)
	assert.Equal(t, MethodVector, results[0].Method)
	assert.Equal(t, "a", results[0].DocID())

	results, err = idx.Search(ctx, []float32{1, 0, 0}, 5, Filters{"doc_id": "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"y-axis"}, scoredContents(results))
}
