package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"backline/internal/ai"
	"backline/internal/config"
	"backline/internal/db"
	"backline/internal/domain"
	"backline/internal/engine"
	"backline/internal/jobs"
	"backline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("proj")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "Test Project", ""); err != nil {
		t.Fatalf("init project: %v", err)
	}
	orch := jobs.New(e.Repo, e.JobHandlers(), 1, 8)
	handler, err := New(Config{Engine: e, Jobs: orch, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			orch.Stop()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(data), err)
	}
	return env
}

func createItem(t *testing.T, srv *testServer, body map[string]any) domain.Item {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/proj/items", body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item %v: %d %s", body, res.StatusCode, string(data))
	}
	var it domain.Item
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return it
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestItemLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	epic := createItem(t, srv, map[string]any{"item_type": "epic", "title": "Auth"})
	story := createItem(t, srv, map[string]any{"item_type": "story", "title": "Login", "parent_id": epic.ID})

	// A task directly under an epic violates the hierarchy.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/proj/items", map[string]any{
		"item_type": "task", "title": "Stray", "parent_id": epic.ID,
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("hierarchy violation: %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "hierarchy_violation" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	// Field update with version.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/items/"+story.ID, map[string]any{
		"version": 1, "title": "Login form",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", res.StatusCode, string(data))
	}
	// Same stale version again conflicts.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/items/"+story.ID, map[string]any{
		"version": 1, "title": "Login form v2",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale update: %d %s", res.StatusCode, string(data))
	}

	// Project status counts items per state.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/proj/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status struct {
		ItemCounts map[string]int `json:"item_counts"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.ItemCounts["backlog"] != 2 {
		t.Fatalf("backlog count = %d, want 2", status.ItemCounts["backlog"])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/items/"+story.ID+"/transitions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions: %d %s", res.StatusCode, string(data))
	}
	var log []domain.StatusTransition
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].ToState != "backlog" {
		t.Fatalf("log = %+v", log)
	}
}

func TestTransitionEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	epic := createItem(t, srv, map[string]any{"item_type": "epic", "title": "Auth"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/"+epic.ID+"/transition", map[string]any{
		"to": "todo", "actor_id": "alice",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/"+epic.ID+"/transition", map[string]any{
		"to": "done",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("illegal transition: %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("code = %s", env.Error.Code)
	}
	if env.Error.Details["legal_next"] == nil {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestRelationshipEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	a := createItem(t, srv, map[string]any{"item_type": "epic", "title": "A"})
	b := createItem(t, srv, map[string]any{"item_type": "epic", "title": "B"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/relationships", map[string]any{
		"source_item_id": a.ID, "target_item_id": b.ID, "relationship_type": "blocks",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rel: %d %s", res.StatusCode, string(data))
	}

	// Completing the loop is a 409 with the cycle path in details.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/relationships", map[string]any{
		"source_item_id": b.ID, "target_item_id": a.ID, "relationship_type": "blocks",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("cycle: %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "cycle_detected" || env.Error.Details["path"] == nil {
		t.Fatalf("envelope = %+v", env)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/items/"+a.ID+"/relationships", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list rels: %d %s", res.StatusCode, string(data))
	}
	var rels []domain.Relationship
	if err := json.Unmarshal(data, &rels); err != nil {
		t.Fatal(err)
	}
	// The blocks edge plus its synthesized blocked_by inverse.
	if len(rels) != 2 {
		t.Fatalf("rels = %d, want 2", len(rels))
	}
}

func TestSuggestAndResolveEndpoints(t *testing.T) {
	srv := newTestServer(t)
	srv.Engine.Scorer = ai.StubScorer{Value: 0.9}
	client := srv.Client()
	epic := createItem(t, srv, map[string]any{"item_type": "epic", "title": "Auth"})
	story := createItem(t, srv, map[string]any{"item_type": "story", "title": "Login", "parent_id": epic.ID})

	// Resolving an unblocked item is a 409 not_blocked.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/"+story.ID+"/resolve", map[string]any{
		"approve": true,
	})
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "not_blocked" {
		t.Fatalf("resolve unblocked: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/"+story.ID+"/suggest", map[string]any{
		"title": "Login with MFA",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suggest: %d %s", res.StatusCode, string(data))
	}
	var outcome engine.GateOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatal(err)
	}
	if !outcome.Blocked {
		t.Fatalf("outcome = %+v", outcome)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/"+story.ID+"/resolve", map[string]any{
		"approve": true, "actor_id": "alice",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var result engine.ResolveResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.Item.Title != "Login with MFA" || result.Item.WorkflowState != "backlog" {
		t.Fatalf("resolved item = %+v", result.Item)
	}

	// Second resolution of the same suggestion is a 409 already_resolved.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items/"+story.ID+"/resolve", map[string]any{
		"approve": false,
	})
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "already_resolved" {
		t.Fatalf("second resolve: %d %s", res.StatusCode, string(data))
	}
}

func TestJobEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	epic := createItem(t, srv, map[string]any{"item_type": "epic", "title": "Auth"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{
		"job_type": "activate_epic",
		"payload":  map[string]any{"epic_id": epic.ID, "actor_id": "alice"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var submitted SubmitJobResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatal(err)
	}

	var job domain.Job
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+submitted.JobID, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get job: %d %s", res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &job); err != nil {
			t.Fatal(err)
		}
		if job.Status != "pending" && job.Status != "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != "completed" {
		t.Fatalf("job = %+v", job)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/jobs/"+submitted.JobID+"/result", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result: %d %s", res.StatusCode, string(data))
	}
	var result JobResultResponse
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	var payload struct {
		ActivatedItemIDs []string `json:"activated_item_ids"`
	}
	if err := json.Unmarshal(result.Result, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.ActivatedItemIDs) != 1 {
		t.Fatalf("activated = %v", payload.ActivatedItemIDs)
	}

	// Unknown job type is a 400.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{"job_type": "make_coffee"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type: %d %s", res.StatusCode, string(data))
	}
}
