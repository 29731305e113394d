// Package embedder produces fixed-dimension dense vectors for text.
// Two providers exist: a remote OpenAI-compatible client and a
// deterministic offline provider for tests and air-gapped runs.
package embedder

import (
	"context"

	"github.com/tandemhealth/medrag/pkg/config"
)

// Provider embeds text into a vector of the configured dimension.
// Embed must be deterministic for the same (model, text) pair.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	Dimension() int

	ModelName() string

	Close() error
}

// New builds a Provider from configuration. EMBEDDINGS_OFFLINE=1
// selects the deterministic local provider.
func New(cfg *config.EmbeddingConfig) (Provider, error) {
	if cfg.Offline {
		return NewOfflineEmbedder(cfg.Model, cfg.Dimension), nil
	}
	return NewOpenAIEmbedder(cfg)
}
