package engine

import (
	"context"
	"errors"
	"testing"

	"backline/internal/ai"
	"backline/internal/domain"
	"backline/internal/hierarchy"
	"backline/internal/workflow"
)

func newGateFixture(t *testing.T, score float64) (*Engine, string) {
	t.Helper()
	e := newTestEngine(t)
	e.Scorer = ai.StubScorer{Value: score}
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})
	storyID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeStory, ParentID: &epicID, Title: "Login form", Description: "Email and password", Priority: 3})
	return e, storyID
}

func TestGateLowSimilarityCreatesSibling(t *testing.T) {
	e, storyID := newGateFixture(t, 0.2)
	ctx := context.Background()

	outcome, err := e.EvaluateSuggestion(ctx, storyID, domain.ProposedEdit{
		Title: "Password reset", Description: "Self-service reset via email",
	})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Blocked {
		t.Fatal("low similarity must not block")
	}
	if outcome.CreatedItemID == nil {
		t.Fatal("low similarity should create a sibling")
	}

	target, err := e.Repo.GetItem(ctx, storyID)
	if err != nil {
		t.Fatal(err)
	}
	if target.WorkflowState != workflow.StateBacklog || target.PendingModification != nil {
		t.Fatalf("target was touched: %+v", target)
	}

	sibling, err := e.Repo.GetItem(ctx, *outcome.CreatedItemID)
	if err != nil {
		t.Fatal(err)
	}
	if sibling.ItemType != target.ItemType || *sibling.ParentID != *target.ParentID {
		t.Fatalf("sibling type/parent = %s/%v", sibling.ItemType, sibling.ParentID)
	}
	if sibling.WorkflowState != workflow.StateBacklog || sibling.Priority != target.Priority {
		t.Fatalf("sibling = %+v", sibling)
	}
	if sibling.GenerationContext["source"] != "ai-suggestion" || sibling.GenerationContext["target_item_id"] != storyID {
		t.Fatalf("sibling provenance = %v", sibling.GenerationContext)
	}

	log, err := e.Repo.ListTransitions(ctx, sibling.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].Actor != ActorAISuggestion {
		t.Fatalf("sibling log = %+v", log)
	}
}

func TestGateHighSimilarityBlocks(t *testing.T) {
	e, storyID := newGateFixture(t, 0.9)
	ctx := context.Background()
	mustTransition(t, e, storyID, workflow.StateTodo, workflow.StateInProgress)

	points := 5.0
	outcome, err := e.EvaluateSuggestion(ctx, storyID, domain.ProposedEdit{
		Title:              "Login form with MFA",
		Description:        "Email, password, and TOTP",
		StoryPoints:        &points,
		AcceptanceCriteria: []string{"TOTP verified"},
		SuggestedSubtasks:  []domain.SubtaskSuggestion{{Title: "TOTP enrollment"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Blocked || outcome.SimilarityScore != 0.9 {
		t.Fatalf("outcome = %+v", outcome)
	}

	it, err := e.Repo.GetItem(ctx, storyID)
	if err != nil {
		t.Fatal(err)
	}
	if it.WorkflowState != workflow.StateBlocked || it.BlockedReason == nil {
		t.Fatalf("item = %+v", it)
	}
	pm := it.PendingModification
	if pm == nil {
		t.Fatal("pending modification missing")
	}
	if pm.RestoreState != workflow.StateInProgress || pm.SimilarityScore != 0.9 {
		t.Fatalf("pending = %+v", pm)
	}
	if *pm.Title != "Login form with MFA" || len(pm.SuggestedSubtasks) != 1 {
		t.Fatalf("pending payload = %+v", pm)
	}

	// The block is on the audit trail under the gate's actor.
	log, err := e.Repo.ListTransitions(ctx, storyID)
	if err != nil {
		t.Fatal(err)
	}
	last := log[len(log)-1]
	if last.ToState != workflow.StateBlocked || last.Actor != ActorAISuggestion {
		t.Fatalf("last log row = %+v", last)
	}
}

func TestGateRejectsBlockedAndDoneTargets(t *testing.T) {
	e, storyID := newGateFixture(t, 0.9)
	ctx := context.Background()
	edit := domain.ProposedEdit{Title: "Anything"}

	if _, err := e.EvaluateSuggestion(ctx, storyID, edit); err != nil {
		t.Fatal(err)
	}
	_, err := e.EvaluateSuggestion(ctx, storyID, edit)
	var blocked AlreadyBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("second suggestion: err = %v, want AlreadyBlockedError", err)
	}

	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Done epic"})
	mustTransition(t, e, epicID, workflow.StateTodo, workflow.StateInProgress, workflow.StateReview, workflow.StateDone)
	_, err = e.EvaluateSuggestion(ctx, epicID, edit)
	var te workflow.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("done target: err = %v, want TransitionError", err)
	}
}

func TestBlockedItemRefusesTransitionsAndEdits(t *testing.T) {
	e, storyID := newGateFixture(t, 0.9)
	ctx := context.Background()
	if _, err := e.EvaluateSuggestion(ctx, storyID, domain.ProposedEdit{Title: "X"}); err != nil {
		t.Fatal(err)
	}

	_, err := e.Transition(ctx, storyID, workflow.StateTodo, "alice", nil)
	var te workflow.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("transition from blocked: err = %v, want TransitionError", err)
	}

	title := "Renamed"
	_, err = e.UpdateItem(ctx, ItemUpdateOptions{ID: storyID, Title: &title})
	var ab AlreadyBlockedError
	if !errors.As(err, &ab) {
		t.Fatalf("edit while blocked: err = %v, want AlreadyBlockedError", err)
	}
}

func TestApproveMergesAndRestores(t *testing.T) {
	e, storyID := newGateFixture(t, 0.9)
	ctx := context.Background()
	mustTransition(t, e, storyID, workflow.StateTodo)

	points := 8.0
	if _, err := e.EvaluateSuggestion(ctx, storyID, domain.ProposedEdit{
		Title:              "Login form with MFA",
		StoryPoints:        &points,
		AcceptanceCriteria: []string{"TOTP verified", "lockout after 5 failures"},
		SuggestedSubtasks:  []domain.SubtaskSuggestion{{Title: "TOTP enrollment"}, {Title: "Lockout counter"}},
	}); err != nil {
		t.Fatal(err)
	}

	result, err := e.ResolveModification(ctx, storyID, true, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Approved || len(result.CreatedSubtaskIDs) != 2 {
		t.Fatalf("result = %+v", result)
	}
	it := result.Item
	if it.WorkflowState != workflow.StateTodo {
		t.Fatalf("state = %s, want restored todo", it.WorkflowState)
	}
	if it.Title != "Login form with MFA" || *it.StoryPoints != 8.0 {
		t.Fatalf("merged item = %+v", it)
	}
	// Description was not suggested, so the original survives.
	if it.Description != "Email and password" {
		t.Fatalf("description = %q", it.Description)
	}
	if len(it.AcceptanceCriteria) != 2 {
		t.Fatalf("acceptance = %v", it.AcceptanceCriteria)
	}
	if it.PendingModification != nil || it.BlockedReason != nil {
		t.Fatal("pending payload should be cleared")
	}

	// Suggested subtasks become real children of the story's child type.
	child, err := e.Repo.GetItem(ctx, result.CreatedSubtaskIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.ItemType != hierarchy.TypeTask || *child.ParentID != storyID {
		t.Fatalf("child = %+v", child)
	}

	log, err := e.Repo.ListTransitions(ctx, storyID)
	if err != nil {
		t.Fatal(err)
	}
	last := log[len(log)-1]
	if last.FromState != workflow.StateBlocked || last.ToState != workflow.StateTodo || last.Actor != "alice" {
		t.Fatalf("resolution log row = %+v", last)
	}
}

func TestRejectRestoresUnchanged(t *testing.T) {
	e, storyID := newGateFixture(t, 0.9)
	ctx := context.Background()
	if _, err := e.EvaluateSuggestion(ctx, storyID, domain.ProposedEdit{Title: "Rewrite everything"}); err != nil {
		t.Fatal(err)
	}

	result, err := e.ResolveModification(ctx, storyID, false, "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Approved || len(result.CreatedSubtaskIDs) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.Item.Title != "Login form" || result.Item.WorkflowState != workflow.StateBacklog {
		t.Fatalf("item = %+v", result.Item)
	}
	if result.Item.PendingModification != nil {
		t.Fatal("pending payload should be discarded")
	}
}

func TestResolveNotBlockedAndAlreadyResolved(t *testing.T) {
	e, storyID := newGateFixture(t, 0.9)
	ctx := context.Background()

	_, err := e.ResolveModification(ctx, storyID, true, "alice", nil)
	var nb NotBlockedError
	if !errors.As(err, &nb) {
		t.Fatalf("resolve unblocked: err = %v, want NotBlockedError", err)
	}

	if _, err := e.EvaluateSuggestion(ctx, storyID, domain.ProposedEdit{Title: "X"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ResolveModification(ctx, storyID, true, "alice", nil); err != nil {
		t.Fatal(err)
	}
	// The loser of the approve/reject race sees AlreadyResolved, not
	// NotBlocked: the log shows a fresh exit from blocked.
	_, err = e.ResolveModification(ctx, storyID, false, "bob", nil)
	var ar AlreadyResolvedError
	if !errors.As(err, &ar) {
		t.Fatalf("second resolve: err = %v, want AlreadyResolvedError", err)
	}
}

func TestGateThresholdBoundary(t *testing.T) {
	// Score equal to the threshold blocks; strictly below creates.
	e, storyID := newGateFixture(t, 0.5)
	outcome, err := e.EvaluateSuggestion(context.Background(), storyID, domain.ProposedEdit{Title: "At the line"})
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Blocked {
		t.Fatal("score == threshold should block")
	}
}
