package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    200,
		ChunkOverlap: 40,
		MaxChunkSize: 400,
		MinChunkSize: 1,
		UseSemantic:  true,
	}
}

func TestChunkerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ChunkerConfig)
		wantErr bool
	}{
		{"valid", func(c *ChunkerConfig) {}, false},
		{"zero size", func(c *ChunkerConfig) { c.ChunkSize = 0 }, true},
		{"overlap >= size", func(c *ChunkerConfig) { c.ChunkOverlap = 200 }, true},
		{"max below size", func(c *ChunkerConfig) { c.MaxChunkSize = 100 }, true},
		{"zero min", func(c *ChunkerConfig) { c.MinChunkSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func assertInvariants(t *testing.T, source string, chunks []Chunk, cfg ChunkerConfig) {
	t.Helper()

	prevStart := -1
	for i, c := range chunks {
		assert.Equal(t, i, c.Index, "indices must be 0-based dense")
		assert.Equal(t, len(chunks), c.Total)
		assert.NotEmpty(t, strings.TrimSpace(c.Content), "no empty chunks")
		assert.LessOrEqual(t, c.StartChar, c.EndChar)
		assert.LessOrEqual(t, c.EndChar, len(source))
		assert.GreaterOrEqual(t, c.StartChar, prevStart, "start_char must be non-decreasing")
		assert.LessOrEqual(t, len(c.Content), cfg.MaxChunkSize, "chunk %d exceeds max size", i)
		assert.Equal(t, source[c.StartChar:c.EndChar], c.Content, "offsets must round-trip")
		assert.Equal(t, (len(c.Content)+3)/4, c.TokenCount)
		prevStart = c.StartChar
	}
}

func TestSemanticChunkerParagraphs(t *testing.T) {
	cfg := testConfig()
	chunker, err := NewChunker(cfg)
	require.NoError(t, err)

	source := "# Knee Anatomy\n\nThe knee joint connects the femur and tibia.\n\n" +
		"Rehabilitation after surgery begins with range-of-motion work.\n\n" +
		"- quadriceps sets\n- straight leg raises\n"

	chunks, err := chunker.Chunk(source, map[string]any{"title": "knee"})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assertInvariants(t, source, chunks, cfg)
	assert.Equal(t, "semantic", chunks[0].Metadata["chunk_method"])
	assert.Equal(t, len(chunks), chunks[0].Metadata["total_chunks"])
	assert.Equal(t, "knee", chunks[0].Metadata["title"])
}

func TestSemanticChunkerSplitsOversizedAtSentences(t *testing.T) {
	cfg := testConfig()
	chunker := NewSemanticChunker(cfg)

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("The patellar tendon transmits force from the quadriceps to the tibia. ")
	}
	source := sb.String()
	require.Greater(t, len(source), cfg.MaxChunkSize)

	chunks, err := chunker.Chunk(source, nil)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	assertInvariants(t, source, chunks, cfg)
	for _, c := range chunks {
		assert.True(t, strings.HasSuffix(strings.TrimSpace(c.Content), "."),
			"sentence-split chunks should end at a sentence boundary")
	}
}

func TestSemanticChunkerWindowsRunOnText(t *testing.T) {
	cfg := testConfig()
	chunker := NewSemanticChunker(cfg)

	// One giant "sentence" with no terminators forces the window path.
	source := strings.Repeat("abcdefghij ", 100)
	chunks, err := chunker.Chunk(source, nil)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	assertInvariants(t, source, chunks, cfg)

	// Consecutive windows overlap by the configured amount.
	step := cfg.ChunkSize - cfg.ChunkOverlap
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].StartChar+step, chunks[i].StartChar)
	}
}

func TestSimpleChunkerWindow(t *testing.T) {
	cfg := testConfig()
	cfg.UseSemantic = false
	chunker, err := NewChunker(cfg)
	require.NoError(t, err)

	source := strings.Repeat("x", 500)
	chunks, err := chunker.Chunk(source, nil)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	assertInvariants(t, source, chunks, cfg)
	assert.Equal(t, "simple", chunks[0].Metadata["chunk_method"])
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, cfg.ChunkSize, chunks[0].EndChar)
}

func TestChunkerEmptyInput(t *testing.T) {
	chunker, err := NewChunker(testConfig())
	require.NoError(t, err)

	chunks, err := chunker.Chunk("   \n\n  ", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestContentFitsInSingleChunk(t *testing.T) {
	cfg := testConfig()
	chunker := NewSemanticChunker(cfg)

	source := "Short paragraph about ankle sprains."
	chunks, err := chunker.Chunk(source, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, source, chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartChar)
	assert.Equal(t, len(source), chunks[0].EndChar)
}
