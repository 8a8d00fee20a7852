package server

import (
	"encoding/json"

	"backline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CreateItemRequest struct {
	ID                 *string  `json:"id,omitempty"`
	ItemType           string   `json:"item_type" enum:"epic,story,task,subtask,bug"`
	ParentID           *string  `json:"parent_id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	Severity           *string  `json:"severity,omitempty" enum:"critical,high,medium,low"`
	StoryPoints        *float64 `json:"story_points,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Components         []string `json:"components,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	ActorID            string   `json:"actor_id,omitempty"`
}

type UpdateItemRequest struct {
	Version            int       `json:"version,omitempty"`
	Title              *string   `json:"title,omitempty"`
	Description        *string   `json:"description,omitempty"`
	Priority           *int      `json:"priority,omitempty"`
	Severity           *string   `json:"severity,omitempty" enum:"critical,high,medium,low"`
	StoryPoints        *float64  `json:"story_points,omitempty"`
	Labels             *[]string `json:"labels,omitempty"`
	Components         *[]string `json:"components,omitempty"`
	AcceptanceCriteria *[]string `json:"acceptance_criteria,omitempty"`
	ActorID            string    `json:"actor_id,omitempty"`
}

type TransitionRequest struct {
	To      string  `json:"to" enum:"backlog,todo,in_progress,review,done"`
	ActorID string  `json:"actor_id,omitempty"`
	Reason  *string `json:"reason,omitempty"`
}

type MoveItemRequest struct {
	ParentID *string `json:"parent_id"`
}

type CreateRelationshipRequest struct {
	SourceItemID     string `json:"source_item_id"`
	TargetItemID     string `json:"target_item_id"`
	RelationshipType string `json:"relationship_type" enum:"blocks,blocked_by,depends_on,relates_to,duplicates"`
}

type SuggestRequest struct {
	Title              string                     `json:"title"`
	Description        string                     `json:"description,omitempty"`
	StoryPoints        *float64                   `json:"story_points,omitempty"`
	AcceptanceCriteria []string                   `json:"acceptance_criteria,omitempty"`
	SuggestedSubtasks  []domain.SubtaskSuggestion `json:"suggested_subtasks,omitempty"`
}

type ResolveRequest struct {
	Approve bool    `json:"approve"`
	ActorID string  `json:"actor_id,omitempty"`
	Reason  *string `json:"reason,omitempty"`
}

type SubmitJobRequest struct {
	JobType string          `json:"job_type" enum:"generate_epic,activate_epic,suggest_modification"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response payloads

type DeleteItemResponse struct {
	DeletedIDs []string `json:"deleted_ids"`
}

type SubmitJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type JobResultResponse struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result"`
}
