// Package hierarchy enforces which parent/child item type pairs are legal.
// The legality table is fixed, so tree depth is structurally bounded at four
// levels (epic > story > task/bug > subtask).
package hierarchy

import "fmt"

const (
	TypeEpic    = "epic"
	TypeStory   = "story"
	TypeTask    = "task"
	TypeSubtask = "subtask"
	TypeBug     = "bug"
)

var childTypes = map[string][]string{
	TypeEpic:    {TypeStory},
	TypeStory:   {TypeTask, TypeBug},
	TypeTask:    {TypeSubtask},
	TypeBug:     {TypeSubtask},
	TypeSubtask: {},
}

// ViolationError reports an illegal parent/child type pair.
type ViolationError struct {
	ParentType string
	ChildType  string
}

func (e ViolationError) Error() string {
	if e.ParentType == "" {
		return fmt.Sprintf("hierarchy violation: %s requires a parent", e.ChildType)
	}
	return fmt.Sprintf("hierarchy violation: %s cannot parent %s", e.ParentType, e.ChildType)
}

// KnownType reports whether t is one of the five item types.
func KnownType(t string) bool {
	_, ok := childTypes[t]
	return ok
}

// ValidateChild reports whether childType may sit directly under parentType.
func ValidateChild(parentType, childType string) bool {
	for _, c := range childTypes[parentType] {
		if c == childType {
			return true
		}
	}
	return false
}

// ChildTypes returns the legal child types for parentType.
func ChildTypes(parentType string) []string {
	out := make([]string, len(childTypes[parentType]))
	copy(out, childTypes[parentType])
	return out
}

// RequiresParent reports whether items of type t must have a parent.
// Only epics are roots.
func RequiresParent(t string) bool {
	return t != TypeEpic
}
