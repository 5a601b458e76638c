package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.75, 0}
	assert.Equal(t, vec, DecodeVector(EncodeVector(vec)))
	assert.Len(t, EncodeVector(vec), 16)
}

func TestBuildKNNQuery(t *testing.T) {
	q := buildKNNQuery("embedding", 5, nil)
	assert.Equal(t, "*=>[KNN 5 @embedding $vec AS vector_distance]", q)

	q = buildKNNQuery("embedding", 1, map[string]string{"workflow_name": "Default"})
	assert.Equal(t, "(@workflow_name:{Default})=>[KNN 1 @embedding $vec AS vector_distance]", q)

	// Filters render in sorted field order so queries are deterministic.
	q = buildKNNQuery("embedding", 3, map[string]string{"ticker": "AAPL", "kind": "quote"})
	assert.Equal(t, "(@kind:{quote} @ticker:{AAPL})=>[KNN 3 @embedding $vec AS vector_distance]", q)
}

func TestBuildKNNQueryEscapesTagValues(t *testing.T) {
	q := buildKNNQuery("embedding", 1, map[string]string{"ticker": "BRK.B"})
	assert.Contains(t, q, "BRK\\.B")
}

func TestInmemUpsertGetRoundTrip(t *testing.T) {
	s := NewInmem()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "doc:", "a", map[string]interface{}{
		"text":  "hello",
		"count": 3,
	}))
	fields, err := s.Get(ctx, "doc:", "a")
	require.NoError(t, err)
	assert.Equal(t, "hello", fields["text"])
	assert.Equal(t, "3", fields["count"])

	_, err = s.Get(ctx, "doc:", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInmemKNNExactMatchSimilarity(t *testing.T) {
	s := NewInmem()
	ctx := context.Background()
	spec := IndexSpec{Name: "idx", Prefix: "vec:", VectorField: "embedding", Dim: 3}
	require.NoError(t, s.EnsureIndex(ctx, spec))

	v := []float32{0.5, 0.2, 0.8}
	require.NoError(t, s.Upsert(ctx, "vec:", "x", map[string]interface{}{
		"embedding": EncodeVector(v),
		"text":      "the document",
	}))

	matches, err := s.KNN(ctx, "idx", "embedding", v, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.GreaterOrEqual(t, matches[0].Similarity, 1-1e-6)
	assert.Equal(t, "the document", matches[0].Fields["text"])
}

func TestInmemKNNOrderingAndFilter(t *testing.T) {
	s := NewInmem()
	ctx := context.Background()
	require.NoError(t, s.EnsureIndex(ctx, IndexSpec{Name: "idx", Prefix: "vec:", VectorField: "embedding", Dim: 2}))

	require.NoError(t, s.Upsert(ctx, "vec:", "close", map[string]interface{}{
		"embedding": EncodeVector([]float32{1, 0.1}),
		"kind":      "a",
	}))
	require.NoError(t, s.Upsert(ctx, "vec:", "far", map[string]interface{}{
		"embedding": EncodeVector([]float32{0, 1}),
		"kind":      "b",
	}))

	matches, err := s.KNN(ctx, "idx", "embedding", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "vec:close", matches[0].ID)
	assert.Less(t, matches[0].Distance, matches[1].Distance)

	// Tag filter excludes the nearer document.
	matches, err = s.KNN(ctx, "idx", "embedding", []float32{1, 0}, 2, map[string]string{"kind": "b"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "vec:far", matches[0].ID)
}

func TestInmemEnsureIndexSchemaConflict(t *testing.T) {
	s := NewInmem()
	ctx := context.Background()
	spec := IndexSpec{Name: "idx", Prefix: "vec:", VectorField: "embedding", Dim: 4}
	require.NoError(t, s.EnsureIndex(ctx, spec))

	// Identical redeclaration is a no-op.
	require.NoError(t, s.EnsureIndex(ctx, spec))

	conflicting := spec
	conflicting.Dim = 8
	err := s.EnsureIndex(ctx, conflicting)
	assert.ErrorIs(t, err, ErrIndexSchemaConflict)
}

func TestInmemIncr(t *testing.T) {
	s := NewInmem()
	ctx := context.Background()
	require.NoError(t, s.Incr(ctx, "doc:", "a", "usage_count", 1))
	require.NoError(t, s.Incr(ctx, "doc:", "a", "usage_count", 2))
	fields, err := s.Get(ctx, "doc:", "a")
	require.NoError(t, err)
	assert.Equal(t, "3", fields["usage_count"])
}

func TestInmemFailNext(t *testing.T) {
	s := NewInmem()
	ctx := context.Background()
	s.FailNext = true
	_, err := s.Get(ctx, "doc:", "a")
	assert.ErrorIs(t, err, ErrUnavailable)
	// Only the next operation fails.
	_, err = s.Get(ctx, "doc:", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
