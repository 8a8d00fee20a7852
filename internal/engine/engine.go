// Package engine is the transactional core. Every mutation runs in a single
// SQLite transaction: validate against the current row, write the new row
// with an optimistic version bump, and append to the transition log when the
// workflow state changed.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"backline/internal/ai"
	"backline/internal/config"
	"backline/internal/domain"
	"backline/internal/hierarchy"
	"backline/internal/repo"
	"backline/internal/translog"
	"backline/internal/workflow"
)

// ActorAISuggestion is the actor recorded on transitions the modification
// gate performs on its own.
const ActorAISuggestion = "ai-suggestion"

const defaultActor = "user"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    translog.Writer
	Config *config.Config

	// Scorer drives the modification gate; Suggester drives the generation
	// jobs and may be nil when no model is configured.
	Scorer    ai.Scorer
	Suggester ai.Suggester

	Now func() time.Time
}

// New wires an engine over an opened database. The scorer defaults to the
// offline heuristic; callers swap in the Anthropic client when configured.
func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Scorer: ai.HeuristicScorer{},
		Now:    time.Now,
	}
	e.Log = translog.Writer{Now: func() time.Time { return e.Now() }}
	return e
}

func (e *Engine) timestamp() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// InitProject creates a project. An empty id gets a generated one.
func (e *Engine) InitProject(ctx context.Context, id, name, description string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, fmt.Errorf("project name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	return p, tx.Commit()
}

// ItemCreateOptions carries everything CreateItem accepts.
type ItemCreateOptions struct {
	ID                   string
	ProjectID            string
	ItemType             string
	ParentID             *string
	Title                string
	Description          string
	Priority             int
	Severity             *string
	StoryPoints          *float64
	Labels               []string
	Components           []string
	AcceptanceCriteria   []string
	InterviewQuestionIDs []string
	GenerationContext    map[string]any
	ActorID              string
}

// CreateItem validates the parent/child type pair and inserts the item in
// state backlog, logging the creation transition.
func (e *Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.Item, error) {
	if opts.Title == "" {
		return domain.Item{}, fmt.Errorf("item title is required")
	}
	if !hierarchy.KnownType(opts.ItemType) {
		return domain.Item{}, fmt.Errorf("unknown item type %q", opts.ItemType)
	}
	if opts.Severity != nil && opts.ItemType != hierarchy.TypeBug {
		return domain.Item{}, fmt.Errorf("severity is only valid on bugs")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Item{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	if opts.ParentID == nil {
		if hierarchy.RequiresParent(opts.ItemType) {
			return domain.Item{}, hierarchy.ViolationError{ChildType: opts.ItemType}
		}
	} else {
		parent, err := e.Repo.GetItemTx(ctx, tx, *opts.ParentID)
		if err != nil {
			return domain.Item{}, fmt.Errorf("parent %s: %w", *opts.ParentID, err)
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Item{}, fmt.Errorf("parent %s belongs to a different project", parent.ID)
		}
		if !hierarchy.ValidateChild(parent.ItemType, opts.ItemType) {
			return domain.Item{}, hierarchy.ViolationError{ParentType: parent.ItemType, ChildType: opts.ItemType}
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.timestamp()
	it := domain.Item{
		ID:                   id,
		ProjectID:            opts.ProjectID,
		ItemType:             opts.ItemType,
		ParentID:             opts.ParentID,
		Title:                opts.Title,
		Description:          opts.Description,
		WorkflowState:        workflow.StateBacklog,
		Priority:             opts.Priority,
		Severity:             opts.Severity,
		StoryPoints:          opts.StoryPoints,
		Labels:               opts.Labels,
		Components:           opts.Components,
		AcceptanceCriteria:   opts.AcceptanceCriteria,
		InterviewQuestionIDs: opts.InterviewQuestionIDs,
		GenerationContext:    opts.GenerationContext,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	reason := "item created"
	if err := e.insertItemLogged(ctx, tx, it, actorOr(opts.ActorID), &reason); err != nil {
		return domain.Item{}, err
	}
	return it, tx.Commit()
}

// insertItemLogged inserts the item and appends its creation transition,
// both inside the caller's transaction.
func (e *Engine) insertItemLogged(ctx context.Context, tx *sql.Tx, it domain.Item, actor string, reason *string) error {
	if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
		return err
	}
	return e.Log.Append(ctx, tx, it.ID, it.ProjectID, "", it.WorkflowState, actor, reason)
}

// ItemUpdateOptions carries a partial field update. Nil means keep. Version
// is the version the caller read; zero skips the staleness check.
type ItemUpdateOptions struct {
	ID                 string
	Version            int
	Title              *string
	Description        *string
	Priority           *int
	Severity           *string
	StoryPoints        *float64
	Labels             *[]string
	Components         *[]string
	AcceptanceCriteria *[]string
	ActorID            string
}

// UpdateItem edits item fields. Workflow state and the pending modification
// are never touched here; blocked items refuse edits until resolved.
func (e *Engine) UpdateItem(ctx context.Context, opts ItemUpdateOptions) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Item{}, err
	}
	if it.WorkflowState == workflow.StateBlocked {
		return domain.Item{}, AlreadyBlockedError{ItemID: it.ID}
	}
	if opts.Version != 0 && opts.Version != it.Version {
		return domain.Item{}, repo.ErrConflict
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Item{}, fmt.Errorf("item title is required")
		}
		it.Title = *opts.Title
	}
	if opts.Description != nil {
		it.Description = *opts.Description
	}
	if opts.Priority != nil {
		it.Priority = *opts.Priority
	}
	if opts.Severity != nil {
		if it.ItemType != hierarchy.TypeBug {
			return domain.Item{}, fmt.Errorf("severity is only valid on bugs")
		}
		it.Severity = opts.Severity
	}
	if opts.StoryPoints != nil {
		it.StoryPoints = opts.StoryPoints
	}
	if opts.Labels != nil {
		it.Labels = *opts.Labels
	}
	if opts.Components != nil {
		it.Components = *opts.Components
	}
	if opts.AcceptanceCriteria != nil {
		it.AcceptanceCriteria = *opts.AcceptanceCriteria
	}
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	it.Version++
	return it, nil
}

// Transition moves an item along the workflow state machine and appends the
// transition to the log. blocked is not reachable here; only the
// modification gate blocks items.
func (e *Engine) Transition(ctx context.Context, id, to, actor string, reason *string) (domain.Item, error) {
	if !workflow.KnownState(to) {
		return domain.Item{}, fmt.Errorf("unknown workflow state %q", to)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, id)
	if err != nil {
		return domain.Item{}, err
	}
	if to == workflow.StateBlocked {
		legal := []string{}
		for _, s := range workflow.LegalNext(it.WorkflowState) {
			if s != workflow.StateBlocked {
				legal = append(legal, s)
			}
		}
		return domain.Item{}, workflow.TransitionError{From: it.WorkflowState, To: to, LegalNext: legal}
	}
	if err := workflow.Validate(it.WorkflowState, to); err != nil {
		return domain.Item{}, err
	}
	from := it.WorkflowState
	it.WorkflowState = to
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.Log.Append(ctx, tx, it.ID, it.ProjectID, from, to, actorOr(actor), reason); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	it.Version++
	return it, nil
}

// MoveItem reparents an item. The new parent must be type-compatible, in the
// same project, and not a descendant of the item being moved.
func (e *Engine) MoveItem(ctx context.Context, id string, newParentID *string) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, id)
	if err != nil {
		return domain.Item{}, err
	}
	if newParentID == nil {
		if hierarchy.RequiresParent(it.ItemType) {
			return domain.Item{}, hierarchy.ViolationError{ChildType: it.ItemType}
		}
	} else {
		if *newParentID == id {
			return domain.Item{}, fmt.Errorf("moving %s under itself would create a hierarchy cycle", id)
		}
		parent, err := e.Repo.GetItemTx(ctx, tx, *newParentID)
		if err != nil {
			return domain.Item{}, fmt.Errorf("parent %s: %w", *newParentID, err)
		}
		if parent.ProjectID != it.ProjectID {
			return domain.Item{}, fmt.Errorf("parent %s belongs to a different project", parent.ID)
		}
		if !hierarchy.ValidateChild(parent.ItemType, it.ItemType) {
			return domain.Item{}, hierarchy.ViolationError{ParentType: parent.ItemType, ChildType: it.ItemType}
		}
		// Walk up from the new parent; hitting the moved item means the
		// parent sits inside the moved subtree.
		for cur := parent; cur.ParentID != nil; {
			if *cur.ParentID == id {
				return domain.Item{}, fmt.Errorf("moving %s under %s would create a hierarchy cycle", id, *newParentID)
			}
			next, err := e.Repo.GetItemTx(ctx, tx, *cur.ParentID)
			if err != nil {
				return domain.Item{}, err
			}
			cur = next
		}
	}

	it.ParentID = newParentID
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	it.Version++
	return it, nil
}

// DeleteItem removes an item. With descendants present it refuses unless
// cascade is set, in which case the whole subtree and its relationships go,
// leaf-first. Transition log rows stay for the audit trail. Returns the
// deleted ids.
func (e *Engine) DeleteItem(ctx context.Context, id string, cascade bool) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetItemTx(ctx, tx, id); err != nil {
		return nil, err
	}
	ids, err := e.collectSubtreeTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if len(ids) > 1 && !cascade {
		return nil, fmt.Errorf("item %s has %d descendants; pass cascade to delete the subtree", id, len(ids)-1)
	}
	if err := e.Repo.DeleteRelationshipsForItemsTx(ctx, tx, ids); err != nil {
		return nil, err
	}
	if err := e.Repo.DeleteItemsTx(ctx, tx, ids); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// collectSubtreeTx returns the subtree ids leaf-first, root last.
func (e *Engine) collectSubtreeTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	children, err := e.Repo.ListChildrenTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, c := range children {
		sub, err := e.collectSubtreeTx(ctx, tx, c.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, sub...)
	}
	return append(ids, id), nil
}

func actorOr(actor string) string {
	if actor == "" {
		return defaultActor
	}
	return actor
}
