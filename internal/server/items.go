package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"backline/internal/domain"
	"backline/internal/engine"
	"backline/internal/repo"
)

func registerItems(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items",
		Summary:       "Create backlog item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		opts := engine.ItemCreateOptions{
			ProjectID:          input.ProjectID,
			ItemType:           input.Body.ItemType,
			ParentID:           input.Body.ParentID,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			Priority:           input.Body.Priority,
			Severity:           input.Body.Severity,
			StoryPoints:        input.Body.StoryPoints,
			Labels:             input.Body.Labels,
			Components:         input.Body.Components,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			ActorID:            input.Body.ActorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		it, err := e.CreateItem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items",
		Summary:     "List backlog items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     string `query:"state"`
		ItemType  string `query:"item_type"`
		ParentID  string `query:"parent_id"`
	}) (*struct {
		Body []domain.Item `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		filter := repo.ItemFilter{ProjectID: input.ProjectID}
		if input.State != "" {
			filter.State = &input.State
		}
		if input.ItemType != "" {
			filter.ItemType = &input.ItemType
		}
		if input.ParentID != "" {
			filter.ParentID = &input.ParentID
		}
		items, err := e.Repo.ListItems(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Item `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get backlog item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		it, err := e.Repo.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{item_id}",
		Summary:     "Update backlog item fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   UpdateItemRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		it, err := e.UpdateItem(ctx, engine.ItemUpdateOptions{
			ID:                 input.ItemID,
			Version:            input.Body.Version,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			Priority:           input.Body.Priority,
			Severity:           input.Body.Severity,
			StoryPoints:        input.Body.StoryPoints,
			Labels:             input.Body.Labels,
			Components:         input.Body.Components,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			ActorID:            input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/move",
		Summary:     "Reparent backlog item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string          `path:"item_id"`
		Body   MoveItemRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		it, err := e.MoveItem(ctx, input.ItemID, input.Body.ParentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-item",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}",
		Summary:     "Delete backlog item, optionally with its subtree",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID  string `path:"item_id"`
		Cascade bool   `query:"cascade"`
	}) (*struct {
		Body DeleteItemResponse `json:"body"`
	}, error) {
		deleted, err := e.DeleteItem(ctx, input.ItemID, input.Cascade)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteItemResponse `json:"body"`
		}{Body: DeleteItemResponse{DeletedIDs: deleted}}, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/transition",
		Summary:     "Move an item along the workflow state machine",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Item `json:"body"`
	}, error) {
		it, err := e.Transition(ctx, input.ItemID, input.Body.To, input.Body.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Item `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-transitions",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/transitions",
		Summary:     "Item status transition log, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []domain.StatusTransition `json:"body"`
	}, error) {
		log, err := e.Repo.ListTransitions(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusTransition `json:"body"`
		}{Body: log}, nil
	})
}

func registerRelationships(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-relationship",
		Method:        http.MethodPost,
		Path:          "/relationships",
		Summary:       "Link two items",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateRelationshipRequest `json:"body"`
	}) (*struct {
		Body domain.Relationship `json:"body"`
	}, error) {
		rel, err := e.AddRelationship(ctx, input.Body.SourceItemID, input.Body.TargetItemID, input.Body.RelationshipType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Relationship `json:"body"`
		}{Body: rel}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-relationship",
		Method:      http.MethodDelete,
		Path:        "/relationships/{relationship_id}",
		Summary:     "Remove a relationship and its inverse",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RelationshipID string `path:"relationship_id"`
	}) (*struct{}, error) {
		if err := e.RemoveRelationship(ctx, input.RelationshipID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-relationships",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/relationships",
		Summary:     "Relationships touching an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []domain.Relationship `json:"body"`
	}, error) {
		rels, err := e.ListRelationships(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Relationship `json:"body"`
		}{Body: rels}, nil
	})
}

func registerSuggestions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "suggest-modification",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/suggest",
		Summary:     "Run an AI suggestion through the modification gate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string         `path:"item_id"`
		Body   SuggestRequest `json:"body"`
	}) (*struct {
		Body engine.GateOutcome `json:"body"`
	}, error) {
		outcome, err := e.EvaluateSuggestion(ctx, input.ItemID, domain.ProposedEdit{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			StoryPoints:        input.Body.StoryPoints,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			SuggestedSubtasks:  input.Body.SuggestedSubtasks,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GateOutcome `json:"body"`
		}{Body: outcome}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-modification",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/resolve",
		Summary:     "Approve or reject the pending modification on a blocked item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string         `path:"item_id"`
		Body   ResolveRequest `json:"body"`
	}) (*struct {
		Body engine.ResolveResult `json:"body"`
	}, error) {
		result, err := e.ResolveModification(ctx, input.ItemID, input.Body.Approve, input.Body.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResolveResult `json:"body"`
		}{Body: result}, nil
	})
}
