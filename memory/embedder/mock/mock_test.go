package mock

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func TestEmbedDeterministicUnit(t *testing.T) {
	e := New(16)
	a, err := e.Embed(context.Background(), "rotate keys")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "rotate keys")
	require.NoError(t, err)
	c, err := e.Embed(context.Background(), "drain node")
	require.NoError(t, err)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)
}

func TestEmbedErrors(t *testing.T) {
	e := New(0)
	assert.Equal(t, DefaultDimensions, e.Dimensions())

	_, err := e.Embed(context.Background(), "  ")
	var pe *core.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, core.ProviderInvalidInput, pe.Kind)
	assert.False(t, core.IsRetryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Embed(ctx, "text")
	assert.ErrorIs(t, err, core.ErrProvider)
}
