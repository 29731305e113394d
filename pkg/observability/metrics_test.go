package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// The recorders must be callable on a nil meter and on the zero value
// (metrics disabled): stores and toolkits hold *Metrics that may never
// have been initialized.
func TestRecordersAreNoOpsWhenDisabled(t *testing.T) {
	ctx := context.Background()

	for name, m := range map[string]*Metrics{"nil": nil, "zero": {}} {
		assert.NotPanics(t, func() {
			m.RecordToolCall(ctx, "vector_search", time.Millisecond, nil)
			m.RecordToolCall(ctx, "vector_search", time.Millisecond, errors.New("x"))
			m.RecordCacheOp(ctx, "vs", "hit")
			m.RecordSearch(ctx, "hybrid", time.Millisecond)
			m.RecordIngestFile(ctx, "completed")
			m.RecordIngestSection(ctx, "failed")
			m.RecordProcedureMissing(ctx, "match_chunks")
			m.RecordLLMRequest(ctx, time.Millisecond, nil)
			m.RecordEmbedding(ctx, time.Millisecond, nil)
			m.RecordSessionMessage(ctx, "user")
		}, name)
	}
}
