package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// EpisodeID uniquely identifies an episode. IDs are assigned once and never reused.
type EpisodeID string

// NewEpisodeID returns a fresh random episode ID.
func NewEpisodeID() EpisodeID {
	return EpisodeID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id EpisodeID) String() string {
	return string(id)
}

// State is the lifecycle stage of an episode.
type State int

const (
	// StatePending is an episode still being executed. It has no embedding and is not indexed.
	StatePending State = iota

	// StateCompleted is an episode with an embedding and quality score. Completed episodes are indexed.
	StateCompleted

	// StateEvicted is an episode removed from the index under capacity pressure or by an operator.
	// The record may still exist in cold storage.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState converts a state name back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "completed":
		return StateCompleted, nil
	case "evicted":
		return StateEvicted, nil
	default:
		return 0, fmt.Errorf("unknown episode state %q", s)
	}
}

// Outcome records how the task behind an episode ended.
type Outcome string

const (
	OutcomeUnknown Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Episode is one recorded unit of agent experience.
//
// Embedding and Timestamp are the index keys and never change after completion.
// Quality, QualityAssessedAt, AccessCount and LastAccessed are bookkeeping and may change.
type Episode struct {
	ID              EpisodeID         `json:"id"`
	TaskDescription string            `json:"task_description"`
	Content         string            `json:"content,omitempty"`
	Domain          string            `json:"domain,omitempty"`
	Outcome         Outcome           `json:"outcome,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`

	Quality           float64   `json:"quality"`
	QualityAssessedAt time.Time `json:"quality_assessed_at"`

	AccessCount  uint64    `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`

	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers can't mutate store-owned records.
func (e *Episode) Clone() *Episode {
	if e == nil {
		return nil
	}
	c := *e
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.Embedding != nil {
		c.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Text returns the representation handed to the embedding provider.
func (e *Episode) Text() string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(e.TaskDescription)
	if e.Domain != "" {
		b.WriteString("\nDomain: ")
		b.WriteString(e.Domain)
	}
	if e.Outcome != OutcomeUnknown {
		b.WriteString("\nOutcome: ")
		b.WriteString(string(e.Outcome))
	}
	if e.Content != "" {
		b.WriteString("\n")
		b.WriteString(e.Content)
	}
	return b.String()
}

// SizeBytes estimates the in-memory footprint of the episode for byte budgets.
func (e *Episode) SizeBytes() int64 {
	n := int64(len(e.ID) + len(e.TaskDescription) + len(e.Content) + len(e.Domain) + len(e.Outcome))
	n += int64(len(e.Embedding) * 4)
	for _, t := range e.Tags {
		n += int64(len(t))
	}
	for k, v := range e.Metadata {
		n += int64(len(k) + len(v))
	}
	// fixed fields: timestamps, counters, quality
	return n + 96
}

// HasTags reports whether the episode carries every tag in required.
// required must already be normalized.
func (e *Episode) HasTags(required []string) bool {
	return ContainsAllTags(e.Tags, required)
}

// ContainsAllTags reports whether have (sorted, normalized) contains every tag in want.
func ContainsAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

const maxTagRunes = 64

// NormalizeTags lowercases, trims and dedupes tags, joining inner whitespace with "-".
// The result is sorted; empty tags are dropped.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		t := strings.Join(strings.Fields(strings.ToLower(raw)), "-")
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagRunes {
			t = string([]rune(t)[:maxTagRunes])
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}
