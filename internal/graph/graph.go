// Package graph holds the relationship typing rules and the cycle detection
// used before committing blocks/depends_on edges. The engine loads the
// project's edges of the relevant type inside the mutation transaction and
// asks this package whether the candidate edge would close a cycle.
package graph

import (
	"fmt"
	"strings"
)

const (
	TypeBlocks     = "blocks"
	TypeBlockedBy  = "blocked_by"
	TypeDependsOn  = "depends_on"
	TypeRelatesTo  = "relates_to"
	TypeDuplicates = "duplicates"
)

// CycleError reports a rejected edge and the path that would have closed the
// cycle, source first.
type CycleError struct {
	RelationshipType string
	Path             []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("cycle detected among %s edges: %s", e.RelationshipType, strings.Join(e.Path, " -> "))
}

// Edge is a directed relationship restricted to one type.
type Edge struct {
	Source string
	Target string
}

// KnownType reports whether t is a relationship type.
func KnownType(t string) bool {
	switch t {
	case TypeBlocks, TypeBlockedBy, TypeDependsOn, TypeRelatesTo, TypeDuplicates:
		return true
	}
	return false
}

// Inverse returns the synthesized inverse type for t, if any. Only
// blocks/blocked_by are maintained as a pair; depends_on has no inverse and
// relates_to/duplicates are symmetric-informational in either direction.
func Inverse(t string) (string, bool) {
	switch t {
	case TypeBlocks:
		return TypeBlockedBy, true
	case TypeBlockedBy:
		return TypeBlocks, true
	}
	return "", false
}

// CycleChecked reports whether edges of type t must stay acyclic.
func CycleChecked(t string) bool {
	return t == TypeBlocks || t == TypeDependsOn
}

// CheckAcyclic rejects the candidate source -> target edge when target can
// already reach source through the existing edges: committing the candidate
// would then close a directed cycle. The returned error names the full cycle.
func CheckAcyclic(existing []Edge, source, target, relationshipType string) error {
	path := findPath(existing, target, source)
	if path == nil {
		return nil
	}
	// path runs target..source; prepending source shows the closed loop.
	cycle := append([]string{source}, path...)
	return CycleError{RelationshipType: relationshipType, Path: cycle}
}

// findPath runs a BFS from from to to and returns the node path, or nil when
// to is unreachable.
func findPath(edges []Edge, from, to string) []string {
	if from == to {
		return []string{from}
	}
	adjacent := make(map[string][]string, len(edges))
	for _, e := range edges {
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
	}
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == to {
				return buildPath(parent, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func buildPath(parent map[string]string, from, to string) []string {
	var rev []string
	for cur := to; cur != ""; cur = parent[cur] {
		rev = append(rev, cur)
		if cur == from {
			break
		}
	}
	path := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path
}
