package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"backline/internal/domain"
	"backline/internal/hierarchy"
	"backline/internal/repo"
	"backline/internal/workflow"
)

// GateOutcome reports what the modification gate did with a suggestion.
type GateOutcome struct {
	TargetItemID    string       `json:"target_item_id"`
	SimilarityScore float64      `json:"similarity_score"`
	Threshold       float64      `json:"threshold"`
	Blocked         bool         `json:"blocked"`
	Item            *domain.Item `json:"item,omitempty"`
	CreatedItemID   *string      `json:"created_item_id,omitempty"`
}

// EvaluateSuggestion is the modification gate. The suggestion is scored
// against the target item; at or above the threshold the target is blocked
// with the suggestion parked for human review, below it the suggestion
// becomes a new sibling item and the target is untouched.
func (e *Engine) EvaluateSuggestion(ctx context.Context, targetID string, edit domain.ProposedEdit) (GateOutcome, error) {
	if edit.Title == "" {
		return GateOutcome{}, fmt.Errorf("suggestion title is required")
	}
	target, err := e.Repo.GetItem(ctx, targetID)
	if err != nil {
		return GateOutcome{}, err
	}
	if target.WorkflowState == workflow.StateBlocked {
		return GateOutcome{}, AlreadyBlockedError{ItemID: targetID}
	}
	if !workflow.Blockable(target.WorkflowState) {
		return GateOutcome{}, workflow.TransitionError{
			From:      target.WorkflowState,
			To:        workflow.StateBlocked,
			LegalNext: workflow.LegalNext(target.WorkflowState),
		}
	}

	// Score outside the transaction; the model call can take seconds.
	score, err := e.Scorer.Score(ctx, itemText(target), editText(edit))
	if err != nil {
		return GateOutcome{}, fmt.Errorf("similarity score: %w", err)
	}
	threshold := e.Config.SimilarityThreshold()
	outcome := GateOutcome{TargetItemID: targetID, SimilarityScore: score, Threshold: threshold}

	if score < threshold {
		created, err := e.createSuggestedSibling(ctx, target, edit, score)
		if err != nil {
			return GateOutcome{}, err
		}
		outcome.CreatedItemID = &created.ID
		outcome.Item = &created
		return outcome, nil
	}

	blocked, err := e.blockWithPending(ctx, targetID, edit, score)
	if err != nil {
		return GateOutcome{}, err
	}
	outcome.Blocked = true
	outcome.Item = &blocked
	return outcome, nil
}

// createSuggestedSibling materializes a low-similarity suggestion as a new
// backlog item next to the target: same project, parent, and type.
func (e *Engine) createSuggestedSibling(ctx context.Context, target domain.Item, edit domain.ProposedEdit, score float64) (domain.Item, error) {
	genCtx := map[string]any{
		"source":           "ai-suggestion",
		"target_item_id":   target.ID,
		"similarity_score": score,
	}
	if edit.SourceJobID != nil {
		genCtx["source_job_id"] = *edit.SourceJobID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	// Re-check the target still exists; the score call ran unlocked.
	if _, err := e.Repo.GetItemTx(ctx, tx, target.ID); err != nil {
		return domain.Item{}, err
	}
	now := e.timestamp()
	it := domain.Item{
		ID:                   uuid.New().String(),
		ProjectID:            target.ProjectID,
		ItemType:             target.ItemType,
		ParentID:             target.ParentID,
		Title:                edit.Title,
		Description:          edit.Description,
		WorkflowState:        workflow.StateBacklog,
		Priority:             target.Priority,
		StoryPoints:          edit.StoryPoints,
		AcceptanceCriteria:   edit.AcceptanceCriteria,
		InterviewQuestionIDs: edit.InterviewQuestionIDs,
		GenerationContext:    genCtx,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	reason := fmt.Sprintf("suggested as new item; similarity %.2f below threshold %.2f", score, e.Config.SimilarityThreshold())
	if err := e.insertItemLogged(ctx, tx, it, ActorAISuggestion, &reason); err != nil {
		return domain.Item{}, err
	}
	return it, tx.Commit()
}

// blockWithPending parks the suggestion on the target and moves it to
// blocked, remembering the state to restore on resolution.
func (e *Engine) blockWithPending(ctx context.Context, targetID string, edit domain.ProposedEdit, score float64) (domain.Item, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, targetID)
	if err != nil {
		return domain.Item{}, err
	}
	if it.WorkflowState == workflow.StateBlocked {
		return domain.Item{}, AlreadyBlockedError{ItemID: targetID}
	}
	if !workflow.Blockable(it.WorkflowState) {
		return domain.Item{}, workflow.TransitionError{From: it.WorkflowState, To: workflow.StateBlocked, LegalNext: workflow.LegalNext(it.WorkflowState)}
	}

	pm := domain.PendingModification{
		Title:                nonEmpty(edit.Title),
		Description:          nonEmpty(edit.Description),
		StoryPoints:          edit.StoryPoints,
		AcceptanceCriteria:   edit.AcceptanceCriteria,
		SuggestedSubtasks:    edit.SuggestedSubtasks,
		SimilarityScore:      score,
		SuggestedAt:          e.timestamp(),
		RestoreState:         it.WorkflowState,
		SourceJobID:          edit.SourceJobID,
		InterviewQuestionIDs: edit.InterviewQuestionIDs,
	}
	from := it.WorkflowState
	reason := fmt.Sprintf("AI suggested a modification with similarity %.2f; awaiting human review", score)
	it.WorkflowState = workflow.StateBlocked
	it.BlockedReason = &reason
	it.PendingModification = &pm
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if err := e.Log.Append(ctx, tx, it.ID, it.ProjectID, from, workflow.StateBlocked, ActorAISuggestion, &reason); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	it.Version++
	return it, nil
}

// ResolveResult is what approval or rejection produced.
type ResolveResult struct {
	Item              domain.Item `json:"item"`
	Approved          bool        `json:"approved"`
	CreatedSubtaskIDs []string    `json:"created_subtask_ids,omitempty"`
}

// ResolveModification approves or rejects the pending modification on a
// blocked item. Approval merges the suggested fields into the item and
// creates suggested subtasks; rejection discards the suggestion. Either way
// the item returns to the state it was blocked from.
func (e *Engine) ResolveModification(ctx context.Context, itemID string, approve bool, actor string, reason *string) (ResolveResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResolveResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return ResolveResult{}, err
	}
	if it.WorkflowState != workflow.StateBlocked || it.PendingModification == nil {
		// A transition out of blocked as the latest log row means another
		// caller resolved this moments ago.
		last, lerr := e.Repo.LatestTransitionTx(ctx, tx, itemID)
		if lerr == nil && last.FromState == workflow.StateBlocked {
			return ResolveResult{}, AlreadyResolvedError{ItemID: itemID}
		}
		return ResolveResult{}, NotBlockedError{ItemID: itemID, State: it.WorkflowState}
	}

	pm := *it.PendingModification
	restore := pm.RestoreState
	if !workflow.KnownState(restore) || restore == workflow.StateBlocked {
		restore = workflow.StateBacklog
	}

	result := ResolveResult{Approved: approve}
	if approve {
		if pm.Title != nil {
			it.Title = *pm.Title
		}
		if pm.Description != nil {
			it.Description = *pm.Description
		}
		if pm.StoryPoints != nil {
			it.StoryPoints = pm.StoryPoints
		}
		if pm.AcceptanceCriteria != nil {
			it.AcceptanceCriteria = pm.AcceptanceCriteria
		}
		it.InterviewQuestionIDs = appendMissing(it.InterviewQuestionIDs, pm.InterviewQuestionIDs)

		if len(pm.SuggestedSubtasks) > 0 {
			childTypes := hierarchy.ChildTypes(it.ItemType)
			if len(childTypes) == 0 {
				return ResolveResult{}, hierarchy.ViolationError{ParentType: it.ItemType, ChildType: hierarchy.TypeSubtask}
			}
			childType := childTypes[0]
			for _, s := range pm.SuggestedSubtasks {
				if s.Title == "" {
					continue
				}
				now := e.timestamp()
				child := domain.Item{
					ID:            uuid.New().String(),
					ProjectID:     it.ProjectID,
					ItemType:      childType,
					ParentID:      &it.ID,
					Title:         s.Title,
					Description:   s.Description,
					WorkflowState: workflow.StateBacklog,
					Priority:      it.Priority,
					GenerationContext: map[string]any{
						"source":         "approved-modification",
						"target_item_id": it.ID,
					},
					Version:   1,
					CreatedAt: now,
					UpdatedAt: now,
				}
				childReason := "created from approved modification"
				if err := e.insertItemLogged(ctx, tx, child, actorOr(actor), &childReason); err != nil {
					return ResolveResult{}, err
				}
				result.CreatedSubtaskIDs = append(result.CreatedSubtaskIDs, child.ID)
			}
		}
	}

	it.WorkflowState = restore
	it.BlockedReason = nil
	it.PendingModification = nil
	it.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ResolveResult{}, AlreadyResolvedError{ItemID: itemID}
		}
		return ResolveResult{}, err
	}
	if reason == nil {
		r := "modification rejected"
		if approve {
			r = "modification approved"
		}
		reason = &r
	}
	if err := e.Log.Append(ctx, tx, it.ID, it.ProjectID, workflow.StateBlocked, restore, actorOr(actor), reason); err != nil {
		return ResolveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResolveResult{}, err
	}
	it.Version++
	result.Item = it
	return result, nil
}

func itemText(it domain.Item) string {
	return it.Title + "\n" + it.Description
}

func editText(edit domain.ProposedEdit) string {
	return edit.Title + "\n" + edit.Description
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func appendMissing(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
