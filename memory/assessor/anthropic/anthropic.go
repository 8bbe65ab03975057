// Package anthropic asks a Claude model to judge episode quality.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/nim-memory/core"
)

// DefaultModel is a small, fast model suited to scoring.
const DefaultModel = "claude-haiku-4-5"

const prompt = `Rate how useful the following agent episode would be as a reference for future, similar tasks.
Consider whether it records a reusable approach, a lesson from failure, or specific details worth remembering.
Answer with a single number between 0 and 1 and nothing else.

%s`

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?|\.\d+`)

// Config configures the assessor.
type Config struct {
	Model string

	// MaxTokens of the reply. Default 16.
	MaxTokens int64
}

// Assessor implements memory.Assessor with the Messages API.
type Assessor struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// New creates an assessor on client.
func New(client *anthropic.Client, cfg Config) *Assessor {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 16
	}
	return &Assessor{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}
}

// Score returns the model's rating of ep.
func (a *Assessor) Score(ctx context.Context, ep *core.Episode) (float64, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(prompt, ep.Text()))),
		},
	}
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return 0, classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseScore(text.String())
}

// parseScore takes the first number in the reply. Ratings on a 0-10 scale are
// rescaled.
func parseScore(reply string) (float64, error) {
	m := numberRe.FindString(reply)
	if m == "" {
		return 0, core.NewProviderError("anthropic", "score", core.ProviderUnavailable,
			fmt.Errorf("no score in reply %q", reply))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, core.NewProviderError("anthropic", "score", core.ProviderUnavailable, err)
	}
	if v > 1 && v <= 10 {
		v /= 10
	}
	if v > 1 {
		return 0, core.NewProviderError("anthropic", "score", core.ProviderUnavailable,
			fmt.Errorf("score %v out of range", v))
	}
	return v, nil
}

func classify(err error) error {
	kind := core.ProviderUnavailable
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			kind = core.ProviderRateLimited
		case apiErr.StatusCode == http.StatusRequestTimeout:
			kind = core.ProviderTimeout
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			kind = core.ProviderInvalidInput
		}
	}
	return core.NewProviderError("anthropic", "score", kind, err)
}
