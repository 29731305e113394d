package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/medrag"
)

func TestParseRejectsMalformedIDs(t *testing.T) {
	for _, bad := range []string{"", "not-a-uuid", "1234", "aaaaaaaa-bbbb-cccc-dddd"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, medrag.ErrInvalidTenant, bad)
	}

	id, err := Parse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", id.String())
}

func TestEffectiveProductionRequiresTenant(t *testing.T) {
	dev, err := Parse("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	r := NewResolver(true, dev, nil)
	_, err = r.Effective("")
	assert.ErrorIs(t, err, medrag.ErrTenantRequired, "dev fallback is forbidden in production")

	got, err := r.Effective("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", got.String())
}

func TestEffectiveDevelopmentFallback(t *testing.T) {
	dev, err := Parse("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	r := NewResolver(false, dev, nil)
	got, err := r.Effective("")
	require.NoError(t, err)
	assert.Equal(t, dev, got)

	// No fallback configured means no tenant even in development.
	r = NewResolver(false, ID{}, nil)
	_, err = r.Effective("")
	assert.ErrorIs(t, err, medrag.ErrTenantRequired)
}
