package graphstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateBodyShortContentUnchanged(t *testing.T) {
	body, origLen := truncateBody("short episode body.")
	assert.Equal(t, "short episode body.", body)
	assert.Zero(t, origLen)
}

func TestTruncateBodyCutsAtSentenceBoundary(t *testing.T) {
	sentence := "The patient performed quad sets daily. "
	content := strings.Repeat(sentence, 200)

	body, origLen := truncateBody(content)
	assert.Equal(t, len(content), origLen)
	assert.True(t, strings.HasSuffix(body, ". [TRUNCATED]"), "cut must land on a sentence boundary")
	assert.LessOrEqual(t, len(body), maxEpisodeBody+len(" [TRUNCATED]"))
}

func TestTruncateBodyWithoutSentenceBoundary(t *testing.T) {
	content := strings.Repeat("x", maxEpisodeBody+100)

	body, origLen := truncateBody(content)
	assert.Equal(t, maxEpisodeBody+100, origLen)
	assert.Equal(t, maxEpisodeBody+len(" [TRUNCATED]"), len(body))
}

func TestFlattenMetaKeepsScalars(t *testing.T) {
	out := flattenMeta(map[string]any{
		"chunk_index": 3,
		"source":      "protocols.md",
		"nested":      map[string]any{"a": 1},
	})

	assert.Equal(t, 3, out["chunk_index"])
	assert.Equal(t, "protocols.md", out["source"])
	assert.Equal(t, "map[a:1]", out["nested"], "nested values are stringified")
}
