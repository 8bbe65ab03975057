package memory

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/becomeliminal/nim-memory/core"
)

// providerContext bounds a single provider call by cfg.ProviderTimeout.
func (m *Manager) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.ProviderTimeout)
}

// asProviderError classifies err as a *core.ProviderError.
func asProviderError(provider, op string, err error) *core.ProviderError {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return core.NewProviderError(provider, op, core.ProviderUnavailable, err)
}

func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	rc := m.cfg.EmbedRetry
	exp := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		exp.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		exp.MaxInterval = rc.MaxInterval
	}
	// attempts, not wall time, bound the loop
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(rc.MaxAttempts-1)), ctx)
}

// embed calls the embedder with bounded exponential backoff. Invalid input is
// never retried. Exhausted retries return the last provider error.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	var last *core.ProviderError
	op := func() ([]float32, error) {
		callCtx, cancel := m.providerContext(ctx)
		defer cancel()
		vec, err := m.embedder.Embed(callCtx, text)
		if err == nil {
			if len(vec) == 0 {
				return nil, backoff.Permanent(core.NewProviderError("embedder", "embed", core.ProviderInvalidInput, errors.New("empty embedding")))
			}
			return vec, nil
		}
		last = asProviderError("embedder", "embed", err)
		if !last.Retryable() {
			return nil, backoff.Permanent(last)
		}
		return nil, last
	}
	notify := func(err error, wait time.Duration) {
		m.metrics.RecordRetry("embed")
		m.log.Warn().Err(err).Dur("backoff", wait).Msg("embedding failed, retrying")
	}

	vec, err := backoff.RetryNotifyWithData(op, m.newBackOff(ctx), notify)
	if err == nil {
		return vec, nil
	}
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return nil, pe
	}
	// the caller's context ended between attempts
	if last != nil {
		return nil, core.NewProviderError(last.Provider, last.Op, core.ProviderTimeout, errors.Join(err, last.Err))
	}
	return nil, core.NewProviderError("embedder", "embed", core.ProviderTimeout, err)
}

// assess scores ep once. It returns ok=false when there is no assessor or it
// failed; the caller then keeps the previous score or the default.
func (m *Manager) assess(ctx context.Context, ep *core.Episode) (float64, bool) {
	if m.assessor == nil {
		return 0, false
	}
	callCtx, cancel := m.providerContext(ctx)
	defer cancel()
	q, err := m.assessor.Score(callCtx, ep)
	if err != nil {
		m.log.Warn().Err(asProviderError("assessor", "score", err)).
			Str("episode_id", ep.ID.String()).Msg("quality assessment failed, using fallback")
		return 0, false
	}
	if math.IsNaN(q) || q < 0 || q > 1 {
		m.log.Warn().Float64("quality", q).Str("episode_id", ep.ID.String()).
			Msg("assessor returned a score outside [0, 1], using fallback")
		return 0, false
	}
	return q, true
}
