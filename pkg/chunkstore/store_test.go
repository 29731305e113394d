package chunkstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewFromDB(nil, 4, time.Second, nil)
}

func testTenant(t *testing.T) tenant.ID {
	t.Helper()
	id, err := tenant.Parse("11111111-2222-3333-4444-555555555555")
	require.NoError(t, err)
	return id
}

func TestInsertDocumentValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tid := testTenant(t)

	err := s.InsertDocument(ctx, tenant.ID{}, &Document{}, nil)
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	err = s.InsertDocument(ctx, tid, nil, nil)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	err = s.InsertDocument(ctx, tid, &Document{Title: "t", Source: "s"}, []Chunk{
		{Index: 1, Embedding: []float32{0, 0, 0, 0}},
	})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument, "chunk indices must start at 0")

	err = s.InsertDocument(ctx, tid, &Document{Title: "t", Source: "s"}, []Chunk{
		{Index: 0, Embedding: []float32{0, 0}},
	})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument, "embedding dimension mismatch")
}

func TestSearchValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tid := testTenant(t)
	vec := []float32{1, 0, 0, 0}

	_, err := s.VectorSearch(ctx, tenant.ID{}, vec, 10)
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = s.VectorSearch(ctx, tid, []float32{1, 0}, 10)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	_, err = s.HybridSearch(ctx, tid, vec, "q", 10, -0.1)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	_, err = s.HybridSearch(ctx, tid, vec, "q", 10, 1.5)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestSessionValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tid := testTenant(t)

	_, err := s.CreateSession(ctx, tenant.ID{}, "", "", nil)
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = s.GetSession(ctx, tenant.ID{}, "x")
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = s.AddMessage(ctx, tid, "sess", "", "hello", nil)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument, "role is required")
}

func TestMetadataRoundTrip(t *testing.T) {
	raw, err := marshalMeta(map[string]any{"chunk_method": "semantic", "total_chunks": float64(3)})
	require.NoError(t, err)

	meta := unmarshalMeta([]byte(raw))
	assert.Equal(t, "semantic", meta["chunk_method"])
	assert.Equal(t, float64(3), meta["total_chunks"])

	empty, err := marshalMeta(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)
	assert.Nil(t, unmarshalMeta(nil))
}
