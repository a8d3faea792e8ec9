package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dims int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), dims)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreIndexAndSearchText(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.IndexDocument(ctx, &Document{
		ID: "a.go", Path: "/ws/a.go",
		Content: "func ParseConfig loads the yaml configuration", ContentHash: "h1",
	}))
	require.NoError(t, s.IndexDocument(ctx, &Document{
		ID: "b.go", Path: "/ws/b.go",
		Content: "http server listens on the gateway port", ContentHash: "h2",
	}))

	hits, err := s.SearchText(ctx, "configuration", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.go", hits[0].ID)
}

func TestStoreUpdateKeepsFTSInSync(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()

	doc := &Document{ID: "a.md", Path: "/ws/a.md", Content: "alpha content", ContentHash: "h1"}
	require.NoError(t, s.IndexDocument(ctx, doc))

	doc.Content = "bravo content"
	doc.ContentHash = "h2"
	require.NoError(t, s.IndexDocument(ctx, doc))

	hits, err := s.SearchText(ctx, "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "stale content must leave the search index")

	hits, err = s.SearchText(ctx, "bravo", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.md", hits[0].ID)
}

func TestStoreRemoveDocument(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.IndexDocument(ctx, &Document{
		ID: "a.txt", Path: "/ws/a.txt", Content: "hello world", ContentHash: "h1",
	}))
	require.NoError(t, s.UpsertVector(ctx, "a.txt", []float32{1, 0}))
	require.NoError(t, s.RemoveDocument(ctx, "a.txt"))

	hash, err := s.ContentHash(ctx, "a.txt")
	require.NoError(t, err)
	assert.Empty(t, hash)

	hits, err := s.SearchText(ctx, "hello", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	vecs, err := s.SearchVector(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestStoreGetDocument(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.IndexDocument(ctx, &Document{
		ID: "a.go", Path: "/ws/a.go", Content: "package main", ContentHash: "h1",
	}))

	doc, ok, err := s.GetDocument(ctx, "a.go")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/ws/a.go", doc.Path)
	assert.Equal(t, "package main", doc.Content)

	_, ok, err = s.GetDocument(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreContentHashAbsent(t *testing.T) {
	s := openTestStore(t, 2)
	hash, err := s.ContentHash(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestStoreVectorSearchRanking(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.UpsertVector(ctx, "east", []float32{1, 0}))
	require.NoError(t, s.UpsertVector(ctx, "north", []float32{0, 1}))
	require.NoError(t, s.UpsertVector(ctx, "northeast", []float32{1, 1}))

	hits, err := s.SearchVector(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "east", hits[0].ID)
	assert.Equal(t, "northeast", hits[1].ID)
}

func TestStoreVectorTieBreaksByID(t *testing.T) {
	s := openTestStore(t, 2)
	ctx := context.Background()

	require.NoError(t, s.UpsertVector(ctx, "zzz", []float32{1, 0}))
	require.NoError(t, s.UpsertVector(ctx, "aaa", []float32{1, 0}))

	hits, err := s.SearchVector(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "aaa", hits[0].ID)
	assert.Equal(t, "zzz", hits[1].ID)
}

func TestStoreVectorDimensionMismatch(t *testing.T) {
	s := openTestStore(t, 4)
	err := s.UpsertVector(context.Background(), "x", []float32{1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-4}
	out, err := decodeVector(encodeVector(in), len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3}, len(in))
	require.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}
