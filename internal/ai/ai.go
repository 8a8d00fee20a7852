// Package ai wraps the text-generation and similarity-scoring capabilities
// the engine treats as black boxes. The engine only depends on the Suggester
// and Scorer interfaces; the Anthropic-backed client and the offline
// heuristic scorer are interchangeable implementations.
package ai

import (
	"context"
	"strings"
)

// EpicSuggestion is a drafted epic with its stories.
type EpicSuggestion struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Stories     []StorySuggestion `json:"stories,omitempty"`
}

// StorySuggestion is a drafted story with optional tasks.
type StorySuggestion struct {
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	StoryPoints        *float64         `json:"story_points,omitempty"`
	AcceptanceCriteria []string         `json:"acceptance_criteria,omitempty"`
	Tasks              []TaskSuggestion `json:"tasks,omitempty"`
}

// TaskSuggestion is a drafted task under a story.
type TaskSuggestion struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Suggester drafts backlog content from free-form context.
type Suggester interface {
	// SuggestEpic drafts an epic and its stories from a goal statement.
	SuggestEpic(ctx context.Context, goal string) (*EpicSuggestion, error)
	// ExpandEpic drafts the story/task subtree for an already-created epic.
	ExpandEpic(ctx context.Context, title, description string) ([]StorySuggestion, error)
}

// Scorer measures textual closeness of two texts in [0,1].
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// HeuristicScorer is the offline Scorer: token-set Jaccard similarity over
// lowercased words. Deterministic, no network.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, a, b string) (float64, error) {
	ta := tokens(a)
	tb := tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1, nil
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0, nil
	}
	intersection := 0
	for tok := range ta {
		if tb[tok] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union), nil
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out[f] = true
		}
	}
	return out
}

// StubScorer returns a fixed score; used in tests to drive the gate.
type StubScorer struct {
	Value float64
}

func (s StubScorer) Score(context.Context, string, string) (float64, error) {
	return s.Value, nil
}

// StubSuggester returns canned suggestions; used in tests and offline mode.
type StubSuggester struct {
	Epic    *EpicSuggestion
	Stories []StorySuggestion
	Err     error
}

func (s StubSuggester) SuggestEpic(context.Context, string) (*EpicSuggestion, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Epic, nil
}

func (s StubSuggester) ExpandEpic(context.Context, string, string) ([]StorySuggestion, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Stories, nil
}
