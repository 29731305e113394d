package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// OfflineEmbedder produces deterministic vectors without any network
// calls. The vector is seeded from sha256(model || text), expanded
// with a counter, and L2-normalized so cosine similarity behaves.
// Identical (model, text) pairs yield bit-for-bit identical vectors.
type OfflineEmbedder struct {
	model     string
	dimension int
}

func NewOfflineEmbedder(model string, dimension int) *OfflineEmbedder {
	if dimension <= 0 {
		dimension = 1536
	}
	if model == "" {
		model = "offline"
	}
	return &OfflineEmbedder{model: model, dimension: dimension}
}

func (e *OfflineEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := sha256.Sum256([]byte(e.model + "\x00" + text))

	vec := make([]float32, e.dimension)
	var block [32]byte
	copy(block[:], seed[:])
	var norm float64

	for i := 0; i < e.dimension; i++ {
		if i%8 == 0 && i > 0 {
			// Expand the stream: hash the previous block with a counter.
			var counter [8]byte
			binary.BigEndian.PutUint64(counter[:], uint64(i/8))
			block = sha256.Sum256(append(block[:], counter[:]...))
		}
		raw := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1).
		v := float64(int64(raw)-math.MaxInt32) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec, nil
}

func (e *OfflineEmbedder) Dimension() int { return e.dimension }

func (e *OfflineEmbedder) ModelName() string { return e.model }

func (e *OfflineEmbedder) Close() error { return nil }
