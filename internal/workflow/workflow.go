// Package workflow holds the per-item status state machine. The table is
// directional: backlog -> todo -> in_progress -> review -> done, with an
// orthogonal blocked state reachable from every non-terminal state. blocked
// has no caller-driven successors; it is exited only by resolving the pending
// modification, which restores the pre-blocked state.
package workflow

import (
	"fmt"
	"strings"
)

const (
	StateBacklog    = "backlog"
	StateTodo       = "todo"
	StateInProgress = "in_progress"
	StateReview     = "review"
	StateDone       = "done"
	StateBlocked    = "blocked"
)

var transitions = map[string][]string{
	StateBacklog:    {StateTodo, StateBlocked},
	StateTodo:       {StateInProgress, StateBlocked},
	StateInProgress: {StateReview, StateBlocked},
	StateReview:     {StateDone, StateInProgress, StateBlocked},
	StateDone:       {StateReview},
	StateBlocked:    {},
}

// TransitionError reports an illegal transition attempt together with the
// legal successor states, so callers can present only valid options.
type TransitionError struct {
	From      string
	To        string
	LegalNext []string
}

func (e TransitionError) Error() string {
	if len(e.LegalNext) == 0 {
		return fmt.Sprintf("invalid transition %s -> %s (no transitions allowed from %s)", e.From, e.To, e.From)
	}
	return fmt.Sprintf("invalid transition %s -> %s (legal: %s)", e.From, e.To, strings.Join(e.LegalNext, ", "))
}

// KnownState reports whether s is a workflow state.
func KnownState(s string) bool {
	_, ok := transitions[s]
	return ok
}

// LegalNext returns the states reachable from the given state.
func LegalNext(from string) []string {
	out := make([]string, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns a TransitionError if from -> to is illegal.
func Validate(from, to string) error {
	if CanTransition(from, to) {
		return nil
	}
	return TransitionError{From: from, To: to, LegalNext: LegalNext(from)}
}

// Blockable reports whether the modification gate may move an item from the
// given state into blocked.
func Blockable(state string) bool {
	return CanTransition(state, StateBlocked)
}
