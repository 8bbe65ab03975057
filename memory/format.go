package memory

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-memory/core"
)

const (
	defaultFormatBudget = 2000
	minEpisodeBudget    = 100
)

// Format renders retrieved episodes for prompt injection. The MaxLength
// budget (default 2000) is split evenly across hits.
func Format(hits []Hit, fc FormatContext) string {
	if len(hits) == 0 {
		return ""
	}
	budget := fc.MaxLength
	if budget <= 0 {
		budget = defaultFormatBudget
	}

	var parts []string
	parts = append(parts, "=== RELEVANT PAST EPISODES ===\n")

	perEpisode := budget / len(hits)
	if perEpisode < minEpisodeBudget {
		perEpisode = minEpisodeBudget // Minimum reasonable length
	}

	for i, h := range hits {
		parts = append(parts, fmt.Sprintf("%d. %s\n", i+1, formatEpisode(h.Episode, perEpisode)))
	}
	return strings.Join(parts, "\n")
}

func formatEpisode(ep *core.Episode, maxLength int) string {
	var parts []string

	status := "Success"
	switch ep.Outcome {
	case core.OutcomeFailure:
		status = "Failed"
	case core.OutcomePartial:
		status = "Partial"
	case core.OutcomeUnknown:
		status = "Done"
	}

	line := fmt.Sprintf("[%s] %s", status, truncate(ep.TaskDescription, maxLength/4))
	if ep.Domain != "" {
		line += " (" + ep.Domain + ")"
	}
	parts = append(parts, line)

	if ep.Content != "" {
		parts = append(parts, fmt.Sprintf("  Details: %q", truncate(ep.Content, maxLength/2)))
	}

	if ep.Outcome == core.OutcomeFailure {
		if prevention, ok := ep.Metadata["prevention"]; ok {
			parts = append(parts, fmt.Sprintf("  Prevention: %s", prevention))
		}
	}
	return strings.Join(parts, "\n")
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
