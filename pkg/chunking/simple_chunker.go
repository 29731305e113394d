package chunking

import "strings"

// SimpleChunker slides a fixed window of ChunkSize characters with
// ChunkOverlap, without any boundary awareness.
type SimpleChunker struct {
	config ChunkerConfig
}

// NewSimpleChunker creates a new simple chunker
func NewSimpleChunker(config ChunkerConfig) *SimpleChunker {
	return &SimpleChunker{config: config}
}

func (sc *SimpleChunker) Chunk(content string, baseMeta map[string]any) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	var chunks []Chunk
	for _, w := range windowSpans(span{start: 0, end: len(content)}, sc.config.ChunkSize, sc.config.ChunkOverlap) {
		text := content[w.start:w.end]
		if len(strings.TrimSpace(text)) < sc.config.MinChunkSize {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:   text,
			StartChar: w.start,
			EndChar:   w.end,
		})
	}

	return finalize(chunks, "simple", baseMeta), nil
}

// GetConfig returns the chunker configuration
func (sc *SimpleChunker) GetConfig() ChunkerConfig {
	return sc.config
}
