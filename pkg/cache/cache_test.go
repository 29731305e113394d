package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/tenant"
)

func testTenant(t *testing.T) tenant.ID {
	t.Helper()
	id, err := tenant.Parse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	require.NoError(t, err)
	return id
}

func TestKeyIsStableAndTenantPartitioned(t *testing.T) {
	tid := testTenant(t)
	other, err := tenant.Parse("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	payload := map[string]any{"query": "knee rehab", "limit": 10}

	k1, err := Key(VectorResults, tid, payload)
	require.NoError(t, err)
	k2, err := Key(VectorResults, tid, map[string]any{"limit": 10, "query": "knee rehab"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "equal payloads must share a key regardless of map order")

	k3, err := Key(VectorResults, other, payload)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "keys must differ across tenants")

	k4, err := Key(HybridResults, tid, payload)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "keys must differ across families")

	assert.Regexp(t, `^vs:aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee:[0-9a-f]{64}$`, k1)
}

func TestDisabledCacheDegradesToMiss(t *testing.T) {
	c := Disabled(nil)
	ctx := context.Background()
	tid := testTenant(t)

	assert.False(t, c.Enabled())

	var dest []string
	key, err := Key(GraphResults, tid, "q")
	require.NoError(t, err)

	assert.False(t, c.Get(ctx, GraphResults, key, &dest))
	c.Set(ctx, GraphResults, key, []string{"a"})
	assert.False(t, c.Get(ctx, GraphResults, key, &dest), "disabled cache never stores")

	c.Delete(ctx, key)
	assert.Zero(t, c.ClearTenant(ctx, tid))
	assert.False(t, c.Health(ctx))
	assert.NoError(t, c.Close())
}

func TestFamilyTTLs(t *testing.T) {
	assert.Less(t, VectorResults.TTL, GraphResults.TTL)
	assert.Less(t, HybridResults.TTL, GraphResults.TTL)
	assert.Greater(t, Embeddings.TTL, Documents.TTL)
}
