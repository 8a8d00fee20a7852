// Package translog appends rows to the immutable status transition log. The
// log is the only source of truth for how an item reached its current state;
// rows are written inside the same transaction as the mutation they record
// and are never updated or deleted.
package translog

import (
	"context"
	"database/sql"
	"time"
)

type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, itemID, projectID, fromState, toState, actor string, reason *string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO status_transitions(item_id,project_id,from_state,to_state,actor,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		itemID, projectID, fromState, toState, actor, reason, ts)
	return err
}
