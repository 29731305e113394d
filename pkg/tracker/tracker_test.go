package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhealth/medrag/pkg/chunkstore"
	"github.com/tandemhealth/medrag/pkg/medrag"
	"github.com/tandemhealth/medrag/pkg/tenant"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	return New(chunkstore.NewFromDB(nil, 4, time.Second, nil), 2*time.Hour, nil)
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		path     string
		category string
		order    int
	}{
		{"/data/master/protocols/03_acl_rehab.md", "protocols", 3},
		{"/data/master/Anatomy/12_knee.pdf", "anatomy", 12},
		{"/data/master/exercises/stretching.docx", "exercises", 999},
		{"/data/documents/misc.txt", "uncategorized", 999},
		{"relative/master/guidelines/01_intro.md", "guidelines", 1},
	}
	for _, tc := range tests {
		category, order := parseCategory(tc.path)
		assert.Equal(t, tc.category, category, tc.path)
		assert.Equal(t, tc.order, order, tc.path)
	}
}

func TestCalculateCitationPriority(t *testing.T) {
	assert.Equal(t, 13, CalculateCitationPriority("protocols", 3))
	assert.Equal(t, 21, CalculateCitationPriority("Guidelines", 1))
	assert.Equal(t, 9*10+999, CalculateCitationPriority("unknown", 999))

	assert.Less(t,
		CalculateCitationPriority("protocols", 9),
		CalculateCitationPriority("guidelines", 1),
		"category rank dominates order")
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, isTemporary("~$report.docx"))
	assert.True(t, isTemporary(".hidden.md"))
	assert.True(t, isTemporary("draft.tmp"))
	assert.False(t, isTemporary("03_acl_rehab.md"))
}

func TestDecide(t *testing.T) {
	tr := testTracker(t)
	now := time.Now().UTC()
	recent := now.Add(-10 * time.Minute)
	stale := now.Add(-3 * time.Hour)

	assert.Equal(t, ActionIngest, tr.decide("h1", 100, nil, now), "unseen file")

	completed := &IngestionStatus{State: StateCompleted, ContentHash: "h1", FileSize: 100}
	assert.Equal(t, ActionSkip, tr.decide("h1", 100, completed, now), "unchanged completed file")
	assert.Equal(t, ActionReingest, tr.decide("h2", 100, completed, now), "hash changed")
	assert.Equal(t, ActionReingest, tr.decide("h1", 200, completed, now), "size changed")

	assert.Equal(t, ActionReingest, tr.decide("h1", 100,
		&IngestionStatus{State: StateFailed, ContentHash: "h1", FileSize: 100}, now))
	assert.Equal(t, ActionReingest, tr.decide("h1", 100,
		&IngestionStatus{State: StatePartial, ContentHash: "h1", FileSize: 100}, now))

	assert.Equal(t, ActionSkip, tr.decide("h1", 100,
		&IngestionStatus{State: StateProcessing, ContentHash: "h1", FileSize: 100, StartedAt: &recent}, now),
		"in-flight processing is left alone")
	assert.Equal(t, ActionReingest, tr.decide("h1", 100,
		&IngestionStatus{State: StateProcessing, ContentHash: "h1", FileSize: 100, StartedAt: &stale}, now),
		"stale processing is reclaimed")

	assert.Equal(t, ActionIngest, tr.decide("h1", 100,
		&IngestionStatus{State: StatePending, ContentHash: "h1", FileSize: 100}, now))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("quad sets, 3x10 daily"), 0o644))

	h1, err := hashFile(path)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	h2, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))
	h3, err := hashFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestScanRequiresTenant(t *testing.T) {
	_, err := testTracker(t).Scan(context.Background(), t.TempDir(), tenant.ID{})
	assert.ErrorIs(t, err, medrag.ErrInvalidTenant)
}

func TestUpdateStatusRejectsUnknownField(t *testing.T) {
	err := testTracker(t).UpdateStatus(context.Background(), "id", map[string]any{"tenant_id": "x"})
	assert.ErrorIs(t, err, medrag.ErrInvalidArgument)
}
