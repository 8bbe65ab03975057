package index

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/becomeliminal/nim-memory/core"
)

// Weights balance the three composite score terms. They must sum to 1.
type Weights struct {
	Spatial  float64
	Temporal float64
	Quality  float64
}

func (w Weights) validate() error {
	if w.Spatial < 0 || w.Temporal < 0 || w.Quality < 0 {
		return core.Invalid("weights", "must not be negative")
	}
	if sum := w.Spatial + w.Temporal + w.Quality; math.Abs(sum-1) > 1e-6 {
		return core.Invalid("weights", "spatial, temporal and quality must sum to 1")
	}
	return nil
}

// Scorer computes composite scores.
type Scorer struct {
	Metric   Metric
	Weights  Weights
	HalfLife time.Duration
}

// Similarity maps a distance to [0, 1], 1 being identical.
func (s Scorer) Similarity(distance float64) float64 {
	if s.Metric == MetricCosine {
		return clamp01(1 - distance/2)
	}
	return 1 / (1 + distance)
}

// Proximity decays from 1 by half every HalfLife between queryTime and ts.
// A zero queryTime yields 0.
func (s Scorer) Proximity(queryTime, ts time.Time) float64 {
	if queryTime.IsZero() || s.HalfLife <= 0 {
		return 0
	}
	dt := queryTime.Sub(ts)
	if dt < 0 {
		dt = -dt
	}
	return math.Exp2(-float64(dt) / float64(s.HalfLife))
}

// Combine weighs the terms. Without a query time the temporal weight is
// dropped and the others are renormalized.
func (s Scorer) Combine(similarity, proximity, quality float64, timed bool) float64 {
	w := s.Weights
	if timed {
		return w.Spatial*similarity + w.Temporal*proximity + w.Quality*quality
	}
	total := w.Spatial + w.Quality
	if total == 0 {
		return 0
	}
	return (w.Spatial*similarity + w.Quality*quality) / total
}

// Score fills in the derived fields of c from its Distance, Timestamp and Quality.
func (s Scorer) Score(c *Candidate, queryTime time.Time) {
	c.Similarity = s.Similarity(c.Distance)
	c.Proximity = s.Proximity(queryTime, c.Timestamp)
	c.Score = s.Combine(c.Similarity, c.Proximity, c.Quality, !queryTime.IsZero())
}

// SortCandidates orders by score descending, then id ascending.
func SortCandidates(cs []Candidate) {
	slices.SortFunc(cs, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
