package memory

import (
	"context"

	"github.com/becomeliminal/nim-memory/core"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), ONNX (local), OpenAI (remote), cached (wrapper).
//
// Failures should be *core.ProviderError so the Manager can tell retryable
// failures from invalid input.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// Assessor scores the quality of an episode in [0, 1].
// Implementations: heuristic (local rules), anthropic (LLM judge).
type Assessor interface {
	Score(ctx context.Context, ep *core.Episode) (float64, error)
}

// Store is the durable write-through backend. The in-memory index is rebuilt
// from LoadAll at startup; Store itself never serves queries.
// Implementations: chromem (embedded), sqlite, postgres.
type Store interface {
	// Persist upserts the episode record.
	Persist(ctx context.Context, ep *core.Episode) error

	// LoadAll returns every stored episode.
	LoadAll(ctx context.Context) ([]*core.Episode, error)

	// Close releases resources.
	Close() error
}

// FormatContext provides context for formatting retrieved episodes.
//   - Truncate based on available space (MaxLength)
//   - Emphasize query-relevant parts (Query)
type FormatContext struct {
	Query     string // Current query being answered
	MaxLength int    // Max characters for all episodes together
}
