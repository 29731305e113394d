package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/cache"
	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/config"
	"github.com/tandemhealth/medrag/pkg/embedder"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

func testToolkit(t *testing.T) *Toolkit {
	t.Helper()

	emb, err := embedder.New(&config.EmbeddingConfig{
		Provider:  "openai",
		Model:     "test-model",
		Dimension: 8,
		Offline:   true,
	})
	require.NoError(t, err)

	chunks := chunkstore.NewFromDB(nil, 8, time.Second, nil)
	return New(chunks, nil, emb, cache.Disabled(nil), nil, nil)
}

func testTenant(t *testing.T) tenant.ID {
	t.Helper()
	id, err := tenant.Parse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	require.NoError(t, err)
	return id
}

func TestRegistryListsAllTools(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)

	var names []string
	for _, info := range r.List() {
		names = append(names, info.Name)
	}

	assert.Equal(t, []string{
		"comprehensive_search",
		"get_document",
		"get_entity_relationships",
		"get_entity_timeline",
		"graph_search",
		"hybrid_search",
		"list_documents",
		"vector_search",
	}, names)
}

func TestRegistryRejectsUnknownTool(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "drop_tables", testTenant(t), nil)
	assert.ErrorContains(t, err, "unknown tool")
}

func TestToolsRequireTenant(t *testing.T) {
	tk := testToolkit(t)
	ctx := context.Background()

	_, err := tk.VectorSearch(ctx, tenant.ID{}, "q", 5)
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = tk.GraphSearch(ctx, tenant.ID{}, "q")
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = tk.HybridSearch(ctx, tenant.ID{}, "q", 5, 0.3)
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)

	_, err = tk.ComprehensiveSearch(ctx, tenant.ID{}, "q", true, true, 5)
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)
}

func TestInvalidArgumentPropagates(t *testing.T) {
	tk := testToolkit(t)
	ctx := context.Background()
	tid := testTenant(t)

	_, err := tk.HybridSearch(ctx, tid, "q", 5, 1.5)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	_, err = tk.GetDocument(ctx, tid, "")
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	_, err = tk.EntityRelationships(ctx, tid, "", 2)
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestGraphToolsWithoutGraphStore(t *testing.T) {
	tk := testToolkit(t)
	ctx := context.Background()
	tid := testTenant(t)

	facts, err := tk.GraphSearch(ctx, tid, "knee")
	require.NoError(t, err)
	assert.Empty(t, facts)

	rel, err := tk.EntityRelationships(ctx, tid, "knee", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, rel.Depth, "depth is clamped to 3")
	assert.Empty(t, rel.Related)

	timeline, err := tk.EntityTimeline(ctx, tid, "knee", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, timeline)
}

func TestExecuteRejectsMissingRequiredArgument(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)
	ctx := context.Background()
	tid := testTenant(t)

	for _, name := range []string{"vector_search", "graph_search", "hybrid_search", "comprehensive_search"} {
		_, err := r.Execute(ctx, name, tid, map[string]any{})
		assert.ErrorIs(t, err, medrag.ErrInvalidArgument, name)
	}

	_, err = r.Execute(ctx, "get_document", tid, map[string]any{})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	_, err = r.Execute(ctx, "get_entity_timeline", tid, map[string]any{"entity_name": "   "})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestExecuteRejectsUnknownArgument(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "graph_search", testTenant(t), map[string]any{
		"query":   "knee",
		"queryyy": "typo",
	})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestExecuteRejectsMistypedArgument(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)
	ctx := context.Background()
	tid := testTenant(t)

	_, err = r.Execute(ctx, "list_documents", tid, map[string]any{"limit": "twenty"})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)

	_, err = r.Execute(ctx, "get_entity_relationships", tid, map[string]any{
		"entity_name": "knee",
		"depth":       "deep",
	})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestExecuteRejectsMalformedDate(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)

	_, err = r.Execute(context.Background(), "get_entity_timeline", testTenant(t), map[string]any{
		"entity_name": "knee",
		"start_date":  "15/01/2026",
	})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}

func TestComprehensiveSearchToolDefaults(t *testing.T) {
	r, err := NewRegistry(testToolkit(t), nil)
	require.NoError(t, err)

	// No graph store and a vector branch disabled by the caller: the
	// call must still succeed with an empty merged result.
	out, err := r.Execute(context.Background(), "comprehensive_search", testTenant(t), map[string]any{
		"query":      "knee rehab",
		"use_vector": false,
	})
	require.NoError(t, err)
	res, ok := out.(*ComprehensiveResult)
	require.True(t, ok)
	assert.Empty(t, res.VectorResults)
	assert.Empty(t, res.GraphResults)
	assert.Zero(t, res.TotalResults)
}
