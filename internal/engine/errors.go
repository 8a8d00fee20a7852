package engine

import "fmt"

// NotBlockedError is returned when a resolution targets an item that carries
// no pending modification and was not just resolved by someone else.
type NotBlockedError struct {
	ItemID string
	State  string
}

func (e NotBlockedError) Error() string {
	return fmt.Sprintf("item %s is %s, not blocked; nothing to resolve", e.ItemID, e.State)
}

// AlreadyResolvedError is returned to the loser of a resolution race: the
// pending modification existed but another caller resolved it first.
type AlreadyResolvedError struct {
	ItemID string
}

func (e AlreadyResolvedError) Error() string {
	return fmt.Sprintf("pending modification on item %s was already resolved", e.ItemID)
}

// AlreadyBlockedError is returned when an operation needs an unblocked item
// but the item is parked behind an unresolved modification.
type AlreadyBlockedError struct {
	ItemID string
}

func (e AlreadyBlockedError) Error() string {
	return fmt.Sprintf("item %s is blocked with a pending modification awaiting review", e.ItemID)
}
