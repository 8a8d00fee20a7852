package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"backline/internal/domain"
	"backline/internal/graph"
	"backline/internal/repo"
)

// AddRelationship links two items. blocked_by edges are normalized to the
// blocks direction, and blocks edges get a synthesized blocked_by inverse so
// both items show the dependency. Cycle-checked types are verified against
// the project's existing edges inside the transaction.
func (e *Engine) AddRelationship(ctx context.Context, sourceID, targetID, relationshipType string) (domain.Relationship, error) {
	if !graph.KnownType(relationshipType) {
		return domain.Relationship{}, fmt.Errorf("unknown relationship type %q", relationshipType)
	}
	if sourceID == targetID {
		return domain.Relationship{}, fmt.Errorf("cannot relate item %s to itself", sourceID)
	}
	// Store blocked_by as its blocks mirror so the graph has one direction.
	if relationshipType == graph.TypeBlockedBy {
		sourceID, targetID = targetID, sourceID
		relationshipType = graph.TypeBlocks
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Relationship{}, err
	}
	defer tx.Rollback()

	source, err := e.Repo.GetItemTx(ctx, tx, sourceID)
	if err != nil {
		return domain.Relationship{}, fmt.Errorf("source %s: %w", sourceID, err)
	}
	target, err := e.Repo.GetItemTx(ctx, tx, targetID)
	if err != nil {
		return domain.Relationship{}, fmt.Errorf("target %s: %w", targetID, err)
	}
	if source.ProjectID != target.ProjectID {
		return domain.Relationship{}, fmt.Errorf("items %s and %s belong to different projects", sourceID, targetID)
	}

	if graph.CycleChecked(relationshipType) {
		existing, err := e.Repo.ListRelationshipsByTypeTx(ctx, tx, source.ProjectID, relationshipType)
		if err != nil {
			return domain.Relationship{}, err
		}
		edges := make([]graph.Edge, 0, len(existing))
		for _, rel := range existing {
			edges = append(edges, graph.Edge{Source: rel.SourceItemID, Target: rel.TargetItemID})
		}
		if err := graph.CheckAcyclic(edges, sourceID, targetID, relationshipType); err != nil {
			return domain.Relationship{}, err
		}
	}

	now := e.timestamp()
	rel := domain.Relationship{
		ID:               uuid.New().String(),
		ProjectID:        source.ProjectID,
		SourceItemID:     sourceID,
		TargetItemID:     targetID,
		RelationshipType: relationshipType,
		CreatedAt:        now,
	}
	if inverseType, ok := graph.Inverse(relationshipType); ok {
		inverse := domain.Relationship{
			ID:               uuid.New().String(),
			ProjectID:        source.ProjectID,
			SourceItemID:     targetID,
			TargetItemID:     sourceID,
			RelationshipType: inverseType,
			PairID:           &rel.ID,
			CreatedAt:        now,
		}
		rel.PairID = &inverse.ID
		if err := e.Repo.InsertRelationshipTx(ctx, tx, inverse); err != nil {
			return domain.Relationship{}, wrapRelationshipInsert(err, targetID, sourceID, inverseType)
		}
	}
	if err := e.Repo.InsertRelationshipTx(ctx, tx, rel); err != nil {
		return domain.Relationship{}, wrapRelationshipInsert(err, sourceID, targetID, relationshipType)
	}
	return rel, tx.Commit()
}

// RemoveRelationship deletes an edge and its synthesized inverse.
func (e *Engine) RemoveRelationship(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rel, err := e.Repo.GetRelationshipTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRelationshipTx(ctx, tx, rel.ID); err != nil {
		return err
	}
	if rel.PairID != nil {
		if err := e.Repo.DeleteRelationshipTx(ctx, tx, *rel.PairID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	return tx.Commit()
}

// ListRelationships returns every edge touching the item.
func (e *Engine) ListRelationships(ctx context.Context, itemID string) ([]domain.Relationship, error) {
	if _, err := e.Repo.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return e.Repo.ListItemRelationships(ctx, itemID)
}

func wrapRelationshipInsert(err error, sourceID, targetID, relationshipType string) error {
	if strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("relationship %s %s %s already exists", sourceID, relationshipType, targetID)
	}
	return err
}
