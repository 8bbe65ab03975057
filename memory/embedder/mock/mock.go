package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"

	"github.com/becomeliminal/nim-memory/core"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// MockEmbedder is a simple mock embedder for testing.
// It generates deterministic embeddings based on text hash.
type MockEmbedder struct {
	dimensions int
}

// New creates a mock embedder with the given dimensions (0 = DefaultDimensions).
func New(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed creates a deterministic unit vector from text. Blank text is
// rejected as invalid input.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewProviderError("mock", "embed", core.ProviderTimeout, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, core.NewProviderError("mock", "embed", core.ProviderInvalidInput, errors.New("empty text"))
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// Simple LCG (Linear Congruential Generator)
		seed = seed*6364136223846793005 + 1442695040888963407
		// Convert to [-1, 1] range
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
	return vec
}
