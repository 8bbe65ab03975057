// Package heuristic scores episode quality with local rules.
package heuristic

import (
	"context"

	"github.com/becomeliminal/nim-memory/core"
)

// Assessor implements memory.Assessor without any external call.
type Assessor struct{}

// New returns a heuristic assessor.
func New() Assessor {
	return Assessor{}
}

// Score rates an episode in [0, 1]. More valuable episodes are kept longer
// and ranked higher.
func (Assessor) Score(_ context.Context, ep *core.Episode) (float64, error) {
	importance := 0.5 // Base

	switch ep.Outcome {
	case core.OutcomeFailure:
		// Failures are important for learning
		importance += 0.3
	case core.OutcomePartial:
		importance += 0.1
	}

	// Confirmations are high-value actions
	if ep.Metadata["confirmed"] == "true" {
		importance += 0.2
	}

	// Long content indicates complex reasoning
	if len(ep.Content) > 50 {
		importance += 0.1
	}

	if len(ep.Tags) >= 2 {
		importance += 0.05
	}

	return min(importance, 1.0), nil
}
