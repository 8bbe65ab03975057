package memory

import (
	"github.com/becomeliminal/nim-memory/memory/index"
)

// diversify reorders hits by maximal marginal relevance and returns the first
// limit of them. Each pick maximizes
//
//	lambda*score - (1-lambda)*max similarity to an already picked hit
//
// hits must be sorted by score; ties keep that order.
func diversify(hits []Hit, limit int, lambda float64, scorer index.Scorer) []Hit {
	if limit > len(hits) {
		limit = len(hits)
	}
	if limit <= 1 {
		return hits[:limit]
	}

	picked := make([]Hit, 0, limit)
	used := make([]bool, len(hits))
	// maxSim[i] is the highest similarity of hits[i] to any picked hit
	maxSim := make([]float64, len(hits))

	for len(picked) < limit {
		best, bestVal := -1, 0.0
		for i, h := range hits {
			if used[i] {
				continue
			}
			v := lambda*h.Score - (1-lambda)*maxSim[i]
			if best < 0 || v > bestVal {
				best, bestVal = i, v
			}
		}
		used[best] = true
		picked = append(picked, hits[best])
		for i, h := range hits {
			if used[i] {
				continue
			}
			d := index.Distance(scorer.Metric, h.Episode.Embedding, hits[best].Episode.Embedding)
			maxSim[i] = max(maxSim[i], scorer.Similarity(d))
		}
	}
	return picked
}
