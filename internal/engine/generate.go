package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"backline/internal/ai"
	"backline/internal/domain"
	"backline/internal/hierarchy"
	"backline/internal/workflow"
)

// EpicTree is the persisted result of a generation run.
type EpicTree struct {
	EpicID   string   `json:"epic_id"`
	StoryIDs []string `json:"story_ids"`
	TaskIDs  []string `json:"task_ids,omitempty"`
}

// CreateEpicTree persists a suggested epic with its stories and tasks in one
// transaction. Everything lands in backlog with generation provenance.
func (e *Engine) CreateEpicTree(ctx context.Context, projectID string, suggestion *ai.EpicSuggestion, actor string, sourceJobID *string) (EpicTree, error) {
	if suggestion == nil || suggestion.Title == "" {
		return EpicTree{}, fmt.Errorf("epic suggestion is empty")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return EpicTree{}, fmt.Errorf("project %s: %w", projectID, err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EpicTree{}, err
	}
	defer tx.Rollback()

	genCtx := map[string]any{"source": "generate_epic"}
	if sourceJobID != nil {
		genCtx["source_job_id"] = *sourceJobID
	}
	reason := "generated"

	now := e.timestamp()
	epic := domain.Item{
		ID:                uuid.New().String(),
		ProjectID:         projectID,
		ItemType:          hierarchy.TypeEpic,
		Title:             suggestion.Title,
		Description:       suggestion.Description,
		WorkflowState:     workflow.StateBacklog,
		GenerationContext: genCtx,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.insertItemLogged(ctx, tx, epic, actorOr(actor), &reason); err != nil {
		return EpicTree{}, err
	}

	tree := EpicTree{EpicID: epic.ID}
	for _, s := range suggestion.Stories {
		if s.Title == "" {
			continue
		}
		now := e.timestamp()
		story := domain.Item{
			ID:                 uuid.New().String(),
			ProjectID:          projectID,
			ItemType:           hierarchy.TypeStory,
			ParentID:           &epic.ID,
			Title:              s.Title,
			Description:        s.Description,
			WorkflowState:      workflow.StateBacklog,
			StoryPoints:        s.StoryPoints,
			AcceptanceCriteria: s.AcceptanceCriteria,
			GenerationContext:  genCtx,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := e.insertItemLogged(ctx, tx, story, actorOr(actor), &reason); err != nil {
			return EpicTree{}, err
		}
		tree.StoryIDs = append(tree.StoryIDs, story.ID)

		for _, t := range s.Tasks {
			if t.Title == "" {
				continue
			}
			now := e.timestamp()
			task := domain.Item{
				ID:                uuid.New().String(),
				ProjectID:         projectID,
				ItemType:          hierarchy.TypeTask,
				ParentID:          &story.ID,
				Title:             t.Title,
				Description:       t.Description,
				WorkflowState:     workflow.StateBacklog,
				GenerationContext: genCtx,
				Version:           1,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := e.insertItemLogged(ctx, tx, task, actorOr(actor), &reason); err != nil {
				return EpicTree{}, err
			}
			tree.TaskIDs = append(tree.TaskIDs, task.ID)
		}
	}
	return tree, tx.Commit()
}

// ActivateEpic moves an epic and every backlog descendant to todo in one
// transaction. Items already past backlog, including blocked ones, are left
// alone. Returns the ids that moved.
func (e *Engine) ActivateEpic(ctx context.Context, epicID, actor string) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	epic, err := e.Repo.GetItemTx(ctx, tx, epicID)
	if err != nil {
		return nil, err
	}
	if epic.ItemType != hierarchy.TypeEpic {
		return nil, fmt.Errorf("item %s is a %s, not an epic", epicID, epic.ItemType)
	}

	items, err := e.collectSubtreeItemsTx(ctx, tx, epic)
	if err != nil {
		return nil, err
	}
	reason := "epic activated"
	var activated []string
	for _, it := range items {
		if it.WorkflowState != workflow.StateBacklog {
			continue
		}
		it.WorkflowState = workflow.StateTodo
		it.UpdatedAt = e.timestamp()
		if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
			return nil, err
		}
		if err := e.Log.Append(ctx, tx, it.ID, it.ProjectID, workflow.StateBacklog, workflow.StateTodo, actorOr(actor), &reason); err != nil {
			return nil, err
		}
		activated = append(activated, it.ID)
	}
	return activated, tx.Commit()
}

// collectSubtreeItemsTx returns the root and its descendants, root first.
func (e *Engine) collectSubtreeItemsTx(ctx context.Context, tx *sql.Tx, root domain.Item) ([]domain.Item, error) {
	items := []domain.Item{root}
	children, err := e.Repo.ListChildrenTx(ctx, tx, root.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := e.collectSubtreeItemsTx(ctx, tx, c)
		if err != nil {
			return nil, err
		}
		items = append(items, sub...)
	}
	return items, nil
}
