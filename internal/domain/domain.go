package domain

// Project owns a backlog of items.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Item is a node in the backlog tree.
type Item struct {
	ID                   string               `json:"id"`
	ProjectID            string               `json:"project_id"`
	ItemType             string               `json:"item_type" enum:"epic,story,task,subtask,bug"`
	ParentID             *string              `json:"parent_id,omitempty"`
	Title                string               `json:"title"`
	Description          string               `json:"description,omitempty"`
	WorkflowState        string               `json:"workflow_state" enum:"backlog,todo,in_progress,review,done,blocked"`
	Priority             int                  `json:"priority"`
	Severity             *string              `json:"severity,omitempty"`
	StoryPoints          *float64             `json:"story_points,omitempty"`
	Labels               []string             `json:"labels,omitempty"`
	Components           []string             `json:"components,omitempty"`
	AcceptanceCriteria   []string             `json:"acceptance_criteria,omitempty"`
	GenerationContext    map[string]any       `json:"generation_context,omitempty"`
	InterviewQuestionIDs []string             `json:"interview_question_ids,omitempty"`
	BlockedReason        *string              `json:"blocked_reason,omitempty"`
	PendingModification  *PendingModification `json:"pending_modification,omitempty"`
	Version              int                  `json:"version"`
	CreatedAt            string               `json:"created_at" format:"date-time"`
	UpdatedAt            string               `json:"updated_at" format:"date-time"`
}

// PendingModification is the AI-proposed edit parked on a blocked item.
// Created by the modification gate, consumed by approval or rejection.
type PendingModification struct {
	Title                *string             `json:"title,omitempty"`
	Description          *string             `json:"description,omitempty"`
	StoryPoints          *float64            `json:"story_points,omitempty"`
	AcceptanceCriteria   []string            `json:"acceptance_criteria,omitempty"`
	SuggestedSubtasks    []SubtaskSuggestion `json:"suggested_subtasks,omitempty"`
	SimilarityScore      float64             `json:"similarity_score"`
	SuggestedAt          string              `json:"suggested_at" format:"date-time"`
	RestoreState         string              `json:"restore_state"`
	SourceJobID          *string             `json:"source_job_id,omitempty"`
	InterviewQuestionIDs []string            `json:"interview_question_ids,omitempty"`
}

// SubtaskSuggestion is a child item proposed alongside a modification.
type SubtaskSuggestion struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ProposedEdit is an AI-proposed change targeting an existing item,
// evaluated by the modification gate.
type ProposedEdit struct {
	Title                string              `json:"title"`
	Description          string              `json:"description,omitempty"`
	StoryPoints          *float64            `json:"story_points,omitempty"`
	AcceptanceCriteria   []string            `json:"acceptance_criteria,omitempty"`
	SuggestedSubtasks    []SubtaskSuggestion `json:"suggested_subtasks,omitempty"`
	SourceJobID          *string             `json:"source_job_id,omitempty"`
	InterviewQuestionIDs []string            `json:"interview_question_ids,omitempty"`
}

// Relationship is a directed typed edge between two items. blocks/blocked_by
// edges are written as a pair; PairID points at the synthesized inverse.
type Relationship struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	SourceItemID     string  `json:"source_item_id"`
	TargetItemID     string  `json:"target_item_id"`
	RelationshipType string  `json:"relationship_type" enum:"blocks,blocked_by,depends_on,relates_to,duplicates"`
	PairID           *string `json:"pair_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// StatusTransition is one append-only row of the workflow audit trail.
type StatusTransition struct {
	ID        int64   `json:"id"`
	ItemID    string  `json:"item_id"`
	ProjectID string  `json:"project_id"`
	FromState string  `json:"from_state,omitempty"`
	ToState   string  `json:"to_state"`
	Actor     string  `json:"actor"`
	Reason    *string `json:"reason,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
}

// Job is an asynchronously executed unit of work.
type Job struct {
	ID              string  `json:"id"`
	JobType         string  `json:"job_type"`
	Status          string  `json:"status" enum:"pending,running,completed,failed,cancelled"`
	PayloadJSON     string  `json:"payload_json,omitempty"`
	ProgressPercent *int    `json:"progress_percent,omitempty"`
	ProgressMessage *string `json:"progress_message,omitempty"`
	ResultJSON      *string `json:"result_json,omitempty"`
	Error           *string `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}
