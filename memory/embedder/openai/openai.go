// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/becomeliminal/nim-memory/core"
)

// Config configures the OpenAI embedder.
type Config struct {
	APIKey string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests shortened embeddings from text-embedding-3 models.
	// Zero keeps the model's native size.
	Dimensions int

	// BaseURL overrides the API endpoint (proxies, tests).
	BaseURL string
}

// Embedder implements memory.Embedder on the OpenAI API.
type Embedder struct {
	client openai.Client
	model  string
	dims   int
}

// New creates an OpenAI embedder. Retries are left to the caller's policy.
func New(cfg Config) *Embedder {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &Embedder{
		client: openai.NewClient(opts...),
		model:  model,
		dims:   cfg.Dimensions,
	}
}

// Dimensions returns the configured size, or the native size of known models.
func (e *Embedder) Dimensions() int {
	if e.dims > 0 {
		return e.dims
	}
	if e.model == string(openai.EmbeddingModelTextEmbedding3Large) {
		return 3072
	}
	return 1536
}

// Embed converts text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.NewProviderError("openai", "embed", core.ProviderInvalidInput, errors.New("empty text"))
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dims > 0 {
		params.Dimensions = openai.Int(int64(e.dims))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, core.NewProviderError("openai", "embed", core.ProviderUnavailable, errors.New("no embedding returned"))
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

// classify maps API failures to provider error kinds.
func classify(err error) error {
	kind := core.ProviderUnavailable
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind = core.ProviderRateLimited
		case apiErr.StatusCode == http.StatusRequestTimeout:
			kind = core.ProviderTimeout
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			kind = core.ProviderInvalidInput
		}
		err = fmt.Errorf("status %d: %w", apiErr.StatusCode, err)
	}
	return core.NewProviderError("openai", "embed", kind, err)
}
