package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"backline/internal/ai"
	"backline/internal/config"
	"backline/internal/db"
	"backline/internal/graph"
	"backline/internal/hierarchy"
	"backline/internal/migrate"
	"backline/internal/repo"
	"backline/internal/workflow"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	e := New(conn, config.Default("proj"))
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	if _, err := e.InitProject(context.Background(), "proj", "Test Project", ""); err != nil {
		t.Fatal(err)
	}
	return e
}

func mustCreate(t *testing.T, e *Engine, opts ItemCreateOptions) string {
	t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "proj"
	}
	it, err := e.CreateItem(context.Background(), opts)
	if err != nil {
		t.Fatalf("create %s %q: %v", opts.ItemType, opts.Title, err)
	}
	return it.ID
}

func mustTransition(t *testing.T, e *Engine, id string, states ...string) {
	t.Helper()
	for _, to := range states {
		if _, err := e.Transition(context.Background(), id, to, "tester", nil); err != nil {
			t.Fatalf("transition %s to %s: %v", id, to, err)
		}
	}
}

func TestCreateItemHierarchy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})
	storyID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeStory, ParentID: &epicID, Title: "Login form"})
	taskID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeTask, ParentID: &storyID, Title: "Form markup"})
	mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeSubtask, ParentID: &taskID, Title: "Email field"})
	mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeBug, ParentID: &storyID, Title: "Submit broken"})

	var violation hierarchy.ViolationError

	// Tasks go under stories, never directly under epics.
	_, err := e.CreateItem(ctx, ItemCreateOptions{ProjectID: "proj", ItemType: hierarchy.TypeTask, ParentID: &epicID, Title: "Stray task"})
	if !errors.As(err, &violation) {
		t.Fatalf("task under epic: err = %v, want ViolationError", err)
	}

	// Everything but epics needs a parent.
	_, err = e.CreateItem(ctx, ItemCreateOptions{ProjectID: "proj", ItemType: hierarchy.TypeStory, Title: "Orphan story"})
	if !errors.As(err, &violation) {
		t.Fatalf("parentless story: err = %v, want ViolationError", err)
	}

	_, err = e.CreateItem(ctx, ItemCreateOptions{ProjectID: "proj", ItemType: "initiative", Title: "Nope"})
	if err == nil || !strings.Contains(err.Error(), "unknown item type") {
		t.Fatalf("unknown type: err = %v", err)
	}
}

func TestSeverityOnlyOnBugs(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})
	storyID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeStory, ParentID: &epicID, Title: "Login"})

	sev := "critical"
	_, err := e.CreateItem(ctx, ItemCreateOptions{ProjectID: "proj", ItemType: hierarchy.TypeStory, ParentID: &epicID, Title: "Bad", Severity: &sev})
	if err == nil {
		t.Fatal("severity on a story should be rejected")
	}
	bug, err := e.CreateItem(ctx, ItemCreateOptions{ProjectID: "proj", ItemType: hierarchy.TypeBug, ParentID: &storyID, Title: "Crash", Severity: &sev})
	if err != nil {
		t.Fatal(err)
	}
	if bug.Severity == nil || *bug.Severity != "critical" {
		t.Fatalf("bug severity = %v", bug.Severity)
	}
}

func TestTransitionHappyPathAndLog(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth", ActorID: "alice"})

	mustTransition(t, e, epicID,
		workflow.StateTodo, workflow.StateInProgress, workflow.StateReview, workflow.StateDone)

	// done is softly terminal: only review is reachable again.
	it, err := e.Transition(ctx, epicID, workflow.StateReview, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if it.WorkflowState != workflow.StateReview {
		t.Fatalf("state = %s", it.WorkflowState)
	}

	log, err := e.Repo.ListTransitions(ctx, epicID)
	if err != nil {
		t.Fatal(err)
	}
	// creation + 5 transitions
	if len(log) != 6 {
		t.Fatalf("log rows = %d, want 6", len(log))
	}
	if log[0].FromState != "" || log[0].ToState != workflow.StateBacklog || log[0].Actor != "alice" {
		t.Fatalf("creation row = %+v", log[0])
	}
	if log[5].FromState != workflow.StateDone || log[5].ToState != workflow.StateReview {
		t.Fatalf("last row = %+v", log[5])
	}
}

func TestTransitionIllegal(t *testing.T) {
	e := newTestEngine(t)
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})

	_, err := e.Transition(context.Background(), epicID, workflow.StateDone, "tester", nil)
	var te workflow.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if te.From != workflow.StateBacklog || te.To != workflow.StateDone {
		t.Fatalf("error = %+v", te)
	}
	if len(te.LegalNext) == 0 {
		t.Fatal("TransitionError should carry the legal successors")
	}
}

func TestDirectTransitionToBlockedRejected(t *testing.T) {
	e := newTestEngine(t)
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})

	_, err := e.Transition(context.Background(), epicID, workflow.StateBlocked, "tester", nil)
	var te workflow.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	for _, s := range te.LegalNext {
		if s == workflow.StateBlocked {
			t.Fatal("blocked must not be offered as a legal caller transition")
		}
	}
}

func TestUpdateItemFieldsAndVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth", Priority: 1})

	title := "Authentication"
	prio := 5
	updated, err := e.UpdateItem(ctx, ItemUpdateOptions{ID: epicID, Version: 1, Title: &title, Priority: &prio})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Title != "Authentication" || updated.Priority != 5 || updated.Version != 2 {
		t.Fatalf("updated = %+v", updated)
	}

	// Stale version loses.
	_, err = e.UpdateItem(ctx, ItemUpdateOptions{ID: epicID, Version: 1, Title: &title})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
}

func TestMoveItem(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	epic1 := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})
	epic2 := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Billing"})
	storyID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeStory, ParentID: &epic1, Title: "Login"})
	taskID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeTask, ParentID: &storyID, Title: "Markup"})

	moved, err := e.MoveItem(ctx, storyID, &epic2)
	if err != nil {
		t.Fatal(err)
	}
	if moved.ParentID == nil || *moved.ParentID != epic2 {
		t.Fatalf("parent = %v, want %s", moved.ParentID, epic2)
	}

	var violation hierarchy.ViolationError
	if _, err := e.MoveItem(ctx, taskID, &epic1); !errors.As(err, &violation) {
		t.Fatalf("task under epic: err = %v, want ViolationError", err)
	}
	if _, err := e.MoveItem(ctx, storyID, nil); !errors.As(err, &violation) {
		t.Fatalf("story to root: err = %v, want ViolationError", err)
	}
	if _, err := e.MoveItem(ctx, storyID, &storyID); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("self move: err = %v", err)
	}
}

func TestDeleteItemCascade(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})
	storyID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeStory, ParentID: &epicID, Title: "Login"})
	taskID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeTask, ParentID: &storyID, Title: "Markup"})
	otherID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Billing"})

	if _, err := e.AddRelationship(ctx, taskID, otherID, graph.TypeRelatesTo); err != nil {
		t.Fatal(err)
	}

	if _, err := e.DeleteItem(ctx, epicID, false); err == nil {
		t.Fatal("delete with descendants and no cascade should fail")
	}

	deleted, err := e.DeleteItem(ctx, epicID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 3 {
		t.Fatalf("deleted %d items, want 3", len(deleted))
	}
	if _, err := e.Repo.GetItem(ctx, taskID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should be gone, err = %v", err)
	}
	rels, err := e.Repo.ListItemRelationships(ctx, otherID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 0 {
		t.Fatalf("dangling relationships = %d", len(rels))
	}
	// The audit trail survives deletion.
	log, err := e.Repo.ListTransitions(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) == 0 {
		t.Fatal("transition log should outlive the item")
	}
}

func TestAddRelationshipCycleRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "A"})
	b := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "B"})
	c := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "C"})

	if _, err := e.AddRelationship(ctx, a, b, graph.TypeBlocks); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddRelationship(ctx, b, c, graph.TypeBlocks); err != nil {
		t.Fatal(err)
	}
	_, err := e.AddRelationship(ctx, c, a, graph.TypeBlocks)
	var cycle graph.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	if len(cycle.Path) < 3 {
		t.Fatalf("cycle path = %v", cycle.Path)
	}
}

func TestBlockedByNormalizedToBlocks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "A"})
	b := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "B"})

	rel, err := e.AddRelationship(ctx, a, b, graph.TypeBlockedBy)
	if err != nil {
		t.Fatal(err)
	}
	if rel.RelationshipType != graph.TypeBlocks || rel.SourceItemID != b || rel.TargetItemID != a {
		t.Fatalf("normalized rel = %+v", rel)
	}
	if rel.PairID == nil {
		t.Fatal("blocks edge should carry a synthesized inverse")
	}

	rels, err := e.ListRelationships(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 2 {
		t.Fatalf("edges touching a = %d, want 2", len(rels))
	}

	// Removing either side takes the pair with it.
	if err := e.RemoveRelationship(ctx, *rel.PairID); err != nil {
		t.Fatal(err)
	}
	rels, err = e.ListRelationships(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 0 {
		t.Fatalf("edges after removal = %d, want 0", len(rels))
	}
}

func TestRemoveRelationshipReturnsOnSingleConnection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "A"})
	b := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "B"})

	rel, err := e.AddRelationship(ctx, a, b, graph.TypeRelatesTo)
	if err != nil {
		t.Fatal(err)
	}

	// The pool has one connection and the removal tx holds it, so the row
	// lookup must run inside the same tx or the call never returns.
	done := make(chan error, 1)
	go func() { done <- e.RemoveRelationship(ctx, rel.ID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RemoveRelationship did not return within 5s")
	}

	rels, err := e.ListRelationships(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 0 {
		t.Fatalf("edges after removal = %d, want 0", len(rels))
	}
}

func TestDuplicateRelationshipRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "A"})
	b := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "B"})

	if _, err := e.AddRelationship(ctx, a, b, graph.TypeRelatesTo); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AddRelationship(ctx, a, b, graph.TypeRelatesTo); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate edge: err = %v", err)
	}
	// Self edges are rejected outright.
	if _, err := e.AddRelationship(ctx, a, a, graph.TypeRelatesTo); err == nil {
		t.Fatal("self edge should be rejected")
	}
}

func TestCreateEpicTreeAndActivate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	points := 3.0
	suggestion := &ai.EpicSuggestion{
		Title:       "Checkout flow",
		Description: "Everything from cart to receipt",
		Stories: []ai.StorySuggestion{
			{Title: "Cart page", StoryPoints: &points, AcceptanceCriteria: []string{"items listed"},
				Tasks: []ai.TaskSuggestion{{Title: "Cart markup"}, {Title: "Cart state"}}},
			{Title: "Payment page"},
		},
	}

	tree, err := e.CreateEpicTree(ctx, "proj", suggestion, ActorAISuggestion, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.StoryIDs) != 2 || len(tree.TaskIDs) != 2 {
		t.Fatalf("tree = %+v", tree)
	}
	story, err := e.Repo.GetItem(ctx, tree.StoryIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if story.ParentID == nil || *story.ParentID != tree.EpicID || story.WorkflowState != workflow.StateBacklog {
		t.Fatalf("story = %+v", story)
	}
	if story.GenerationContext["source"] != "generate_epic" {
		t.Fatalf("generation context = %v", story.GenerationContext)
	}

	// Activation moves the whole backlog subtree to todo.
	activated, err := e.ActivateEpic(ctx, tree.EpicID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(activated) != 5 {
		t.Fatalf("activated %d items, want 5", len(activated))
	}
	epic, err := e.Repo.GetItem(ctx, tree.EpicID)
	if err != nil {
		t.Fatal(err)
	}
	if epic.WorkflowState != workflow.StateTodo {
		t.Fatalf("epic state = %s", epic.WorkflowState)
	}

	// A second activation finds nothing left in backlog.
	again, err := e.ActivateEpic(ctx, tree.EpicID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second activation moved %d items", len(again))
	}
}

func TestActivateNonEpicRejected(t *testing.T) {
	e := newTestEngine(t)
	epicID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeEpic, Title: "Auth"})
	storyID := mustCreate(t, e, ItemCreateOptions{ItemType: hierarchy.TypeStory, ParentID: &epicID, Title: "Login"})
	if _, err := e.ActivateEpic(context.Background(), storyID, "alice"); err == nil {
		t.Fatal("activating a story should fail")
	}
}
