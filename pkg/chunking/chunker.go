// Package chunking splits document text into ordered chunks with
// character offsets, ready for embedding and storage.
package chunking

import "fmt"

// Chunker defines the interface for content chunking strategies
type Chunker interface {
	// Chunk splits content into smaller pieces. baseMeta is copied
	// into every emitted chunk's metadata.
	Chunk(content string, baseMeta map[string]any) ([]Chunk, error)

	// GetConfig returns the chunker configuration
	GetConfig() ChunkerConfig
}

// Chunk represents a piece of content with position information.
// Indices are 0-based and dense; StartChar is non-decreasing across
// the slice and StartChar <= EndChar <= len(source).
type Chunk struct {
	Content    string         `json:"content"`
	Index      int            `json:"index"`
	Total      int            `json:"total"`
	StartChar  int            `json:"start_char"`
	EndChar    int            `json:"end_char"`
	TokenCount int            `json:"token_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChunkerConfig contains chunking configuration
type ChunkerConfig struct {
	ChunkSize    int  `json:"chunk_size"`
	ChunkOverlap int  `json:"chunk_overlap"`
	MaxChunkSize int  `json:"max_chunk_size"`
	MinChunkSize int  `json:"min_chunk_size"`
	UseSemantic  bool `json:"use_semantic_splitting"`
}

// DefaultChunkerConfig returns default chunking configuration
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    800,
		ChunkOverlap: 150,
		MaxChunkSize: 1600,
		MinChunkSize: 1,
		UseSemantic:  true,
	}
}

// Validate checks if the configuration is valid
func (c *ChunkerConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap cannot be negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.MaxChunkSize < c.ChunkSize {
		return fmt.Errorf("max chunk size (%d) must be at least chunk size (%d)", c.MaxChunkSize, c.ChunkSize)
	}
	if c.MinChunkSize < 1 {
		return fmt.Errorf("min chunk size must be at least 1, got %d", c.MinChunkSize)
	}
	return nil
}

// NewChunker creates a chunker based on the configuration.
func NewChunker(config ChunkerConfig) (Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.UseSemantic {
		return NewSemanticChunker(config), nil
	}
	return NewSimpleChunker(config), nil
}

// estimateTokens is the fixed ceil(len/4) token estimate stored with
// every chunk.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}

// finalize backfills totals and metadata on the assembled chunks.
func finalize(chunks []Chunk, method string, baseMeta map[string]any) []Chunk {
	total := len(chunks)
	for i := range chunks {
		meta := make(map[string]any, len(baseMeta)+2)
		for k, v := range baseMeta {
			meta[k] = v
		}
		meta["chunk_method"] = method
		meta["total_chunks"] = total

		chunks[i].Index = i
		chunks[i].Total = total
		chunks[i].TokenCount = estimateTokens(chunks[i].Content)
		chunks[i].Metadata = meta
	}
	return chunks
}
