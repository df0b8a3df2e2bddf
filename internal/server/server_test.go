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

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/engine"
	"buildline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("buildline")
	e := engine.New(conn, cfg, workspace)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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

func loginHeaders(t *testing.T, srv *testServer) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("unmarshal token: %v (%s)", err, string(data))
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}
}

func TestPlanLifecycleHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := loginHeaders(t, srv)
	projectURL := srv.URL + "/v0/projects/buildline"

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "buildline",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}

	for _, c := range []map[string]any{
		{"name": "core"},
		{"name": "auth", "depends_on": []string{"core"}},
	} {
		res, data = doJSON(t, client, http.MethodPost, projectURL+"/components", c, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create component %v status %d: %s", c["name"], res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, projectURL+"/plan", map[string]any{
		"description": "ship it",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan status %d: %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.SessionID == "" || len(plan.Phases) != 2 {
		t.Fatalf("unexpected plan: session=%q phases=%d", plan.SessionID, len(plan.Phases))
	}
	sessionURL := srv.URL + "/v0/sessions/" + plan.SessionID

	var step NextStepResponse
	res, data = doJSON(t, client, http.MethodPost, sessionURL+"/next", map[string]any{}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Task == nil || step.Task.Component != "core" {
		t.Fatalf("expected core task first, got %+v", step.Task)
	}

	res, data = doJSON(t, client, http.MethodPost, sessionURL+"/next", map[string]any{
		"last_task_id": step.Task.ID,
		"outcome":      "completed",
		"file_changes": []map[string]string{{"path": "core.go", "action": "created"}},
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if !step.AwaitingApproval || step.PlanStatus != "paused" {
		t.Fatalf("expected checkpoint hold, got %+v", step)
	}

	res, data = doJSON(t, client, http.MethodPost, sessionURL+"/approve", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal approved plan: %v", err)
	}
	if plan.Status != "in_progress" || plan.CurrentPhase != 1 {
		t.Fatalf("expected phase advance, got %s phase %d", plan.Status, plan.CurrentPhase)
	}

	res, data = doJSON(t, client, http.MethodPost, sessionURL+"/next", map[string]any{}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second next status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Task == nil || step.Task.Component != "auth" {
		t.Fatalf("expected auth task, got %+v", step.Task)
	}

	res, data = doJSON(t, client, http.MethodPost, sessionURL+"/next", map[string]any{
		"last_task_id": step.Task.ID,
		"outcome":      "completed",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final report status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if !step.Done || step.PlanStatus != "completed" {
		t.Fatalf("expected completion, got %+v", step)
	}

	res, data = doJSON(t, client, http.MethodGet, projectURL+"/events?limit=50", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events paginatedEvents
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events.Items {
		seen[evt.Type] = true
	}
	for _, want := range []string{"plan.created", "plan.task.started", "plan.paused", "plan.approved", "plan.completed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestCreatePlanWithoutComponents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := loginHeaders(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id": "empty",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/empty/plan", map[string]any{}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty graph, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := loginHeaders(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/bogus/next", map[string]any{}, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := loginHeaders(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "ci-bot",
		"name":     "ci",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("unmarshal api key: %v (%s)", err, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": "not-a-key",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}
