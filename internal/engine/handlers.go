package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"backline/internal/domain"
	"backline/internal/jobs"
)

// Job types executed by the orchestrator.
const (
	JobGenerateEpic        = "generate_epic"
	JobActivateEpic        = "activate_epic"
	JobSuggestModification = "suggest_modification"
)

// GenerateEpicPayload asks the suggester to draft an epic from a goal.
type GenerateEpicPayload struct {
	ProjectID string `json:"project_id"`
	Goal      string `json:"goal"`
	ActorID   string `json:"actor_id,omitempty"`
}

// ActivateEpicPayload moves a drafted epic tree from backlog to todo.
type ActivateEpicPayload struct {
	EpicID  string `json:"epic_id"`
	ActorID string `json:"actor_id,omitempty"`
}

// SuggestModificationPayload routes a proposed edit through the gate.
type SuggestModificationPayload struct {
	TargetItemID string              `json:"target_item_id"`
	Edit         domain.ProposedEdit `json:"edit"`
}

// JobHandlers returns the handler per job type for the orchestrator.
func (e *Engine) JobHandlers() map[string]jobs.Handler {
	return map[string]jobs.Handler{
		JobGenerateEpic:        e.handleGenerateEpic,
		JobActivateEpic:        e.handleActivateEpic,
		JobSuggestModification: e.handleSuggestModification,
	}
}

func (e *Engine) handleGenerateEpic(ctx context.Context, job domain.Job, progress jobs.ProgressFunc) (any, error) {
	var payload GenerateEpicPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("generate_epic payload: %w", err)
	}
	if payload.ProjectID == "" || payload.Goal == "" {
		return nil, fmt.Errorf("generate_epic requires project_id and goal")
	}
	if e.Suggester == nil {
		return nil, fmt.Errorf("no AI suggester configured; set ai.model and ANTHROPIC_API_KEY")
	}

	progress(10, "drafting epic")
	suggestion, err := e.Suggester.SuggestEpic(ctx, payload.Goal)
	if err != nil {
		return nil, err
	}
	progress(70, "persisting epic tree")
	tree, err := e.CreateEpicTree(ctx, payload.ProjectID, suggestion, actorOr(payload.ActorID), &job.ID)
	if err != nil {
		return nil, err
	}
	progress(95, "done")
	return tree, nil
}

func (e *Engine) handleActivateEpic(ctx context.Context, job domain.Job, progress jobs.ProgressFunc) (any, error) {
	var payload ActivateEpicPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("activate_epic payload: %w", err)
	}
	if payload.EpicID == "" {
		return nil, fmt.Errorf("activate_epic requires epic_id")
	}
	progress(10, "activating epic tree")
	activated, err := e.ActivateEpic(ctx, payload.EpicID, actorOr(payload.ActorID))
	if err != nil {
		return nil, err
	}
	return map[string]any{"epic_id": payload.EpicID, "activated_item_ids": activated}, nil
}

func (e *Engine) handleSuggestModification(ctx context.Context, job domain.Job, progress jobs.ProgressFunc) (any, error) {
	var payload SuggestModificationPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("suggest_modification payload: %w", err)
	}
	if payload.TargetItemID == "" {
		return nil, fmt.Errorf("suggest_modification requires target_item_id")
	}
	payload.Edit.SourceJobID = &job.ID
	progress(20, "scoring suggestion")
	outcome, err := e.EvaluateSuggestion(ctx, payload.TargetItemID, payload.Edit)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}
