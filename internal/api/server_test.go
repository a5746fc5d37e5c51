package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/example/app-orchestrator/internal/memory"
	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/orchestrator"
	"github.com/example/app-orchestrator/internal/publish"
	"github.com/example/app-orchestrator/internal/workspace"
)

const (
	testWait = 5 * time.Second
	testTick = 10 * time.Millisecond
)

// fakePipeline emits a fixed narrative for every Run.
type fakePipeline struct {
	mu        sync.Mutex
	requests  []orchestrator.Request
	runErr    error
	startErr  error
	repaired  []string
	repairErr error
	repairReq orchestrator.RepairRequest
	deployURL string
	deployErr error
	deployArg [2]string
	sessions  map[string]orchestrator.SessionInfo
	hub       *orchestrator.Hub
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{sessions: map[string]orchestrator.SessionInfo{}, hub: orchestrator.NewHub()}
}

func (p *fakePipeline) Run(ctx context.Context, req orchestrator.Request, out orchestrator.Emitter) (*orchestrator.Outcome, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.runErr != nil {
		return nil, p.runErr
	}
	events := []models.Event{
		{Type: models.EventStatus, Message: "Planning..."},
		{Type: models.EventPlan, Message: "Planned 2 tasks"},
		{Type: models.EventComplete, Message: "Your app is ready!", Payload: orchestrator.CompletePayload{URL: "http://localhost:8000/projects/p1/index.html", ProjectID: "p1", Passed: true}},
	}
	for _, ev := range events {
		if err := out.Emit(ctx, ev); err != nil {
			break
		}
	}
	return &orchestrator.Outcome{ProjectID: "p1", Passed: true}, nil
}

func (p *fakePipeline) Start(ctx context.Context, req orchestrator.Request, out orchestrator.Emitter) (string, <-chan struct{}, error) {
	if p.startErr != nil {
		return "", nil, p.startErr
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return "started-1", done, nil
}

func (p *fakePipeline) Repair(ctx context.Context, req orchestrator.RepairRequest) ([]string, error) {
	p.repairReq = req
	return p.repaired, p.repairErr
}

func (p *fakePipeline) Deploy(ctx context.Context, projectID, name string) (string, error) {
	p.deployArg = [2]string{projectID, name}
	return p.deployURL, p.deployErr
}

func (p *fakePipeline) Sessions() []orchestrator.SessionInfo {
	out := make([]orchestrator.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

func (p *fakePipeline) Session(id string) (orchestrator.SessionInfo, bool) {
	s, ok := p.sessions[id]
	return s, ok
}

func (p *fakePipeline) Hub() *orchestrator.Hub { return p.hub }

func letterEmbedding(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 27)
	v[26] = 1
	for _, r := range text {
		r = unicode.ToLower(r)
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

type testServer struct {
	*Server
	pipeline *fakePipeline
	memory   *memory.VectorStore
	projects string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	mem, err := memory.OpenVector(t.TempDir(), letterEmbedding, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	projects := t.TempDir()
	p := newFakePipeline()
	s, err := NewServer(p, mem, nil, Config{ProjectsDir: projects})
	require.NoError(t, err)
	return &testServer{Server: s, pipeline: p, memory: mem, projects: projects}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, memory.NewKeywordStore(10), nil, Config{})
	assert.Error(t, err)
	_, err = NewServer(newFakePipeline(), nil, nil, Config{})
	assert.Error(t, err)

	s, err := NewServer(newFakePipeline(), memory.NewKeywordStore(10), nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, ":8000", s.config.Addr)
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Memory: memory.ModeVector}, decode[HealthResponse](t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "appforge_pipeline_active_sessions")
}

func dialSession(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(ts.Handler())
	t.Cleanup(srv.Close)
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "", "http://localhost/")
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readUntilTerminal(t *testing.T, ws *websocket.Conn) []models.Event {
	t.Helper()
	var events []models.Event
	for {
		var ev models.Event
		require.NoError(t, websocket.JSON.Receive(ws, &ev))
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
}

func TestSessionSocket(t *testing.T) {
	ts := setupTestServer(t)
	ws := dialSession(t, ts)

	require.NoError(t, websocket.JSON.Send(ws, SessionRequest{Prompt: "make a todo app", UserID: "u1"}))
	events := readUntilTerminal(t, ws)

	types := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{models.EventStatus, models.EventPlan, models.EventComplete}, types)

	ts.pipeline.mu.Lock()
	defer ts.pipeline.mu.Unlock()
	require.Len(t, ts.pipeline.requests, 1)
	assert.Equal(t, orchestrator.Request{Task: "make a todo app", UserID: "u1"}, ts.pipeline.requests[0])
}

func TestSessionSocketRejected(t *testing.T) {
	for _, rejection := range []error{orchestrator.ErrEmptyTask, orchestrator.ErrSessionActive} {
		ts := setupTestServer(t)
		ts.pipeline.runErr = rejection
		ws := dialSession(t, ts)

		require.NoError(t, websocket.JSON.Send(ws, SessionRequest{SessionID: "s1"}))
		events := readUntilTerminal(t, ws)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventError, events[0].Type)
		assert.Equal(t, rejection.Error(), events[0].Message)
	}
}

func TestStartSession(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodPost, "/sessions", `{"task":"weather app"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started-1", decode[StartSessionResponse](t, rec).SessionID)

	ts.pipeline.startErr = orchestrator.ErrSessionActive
	rec = ts.do(t, http.MethodPost, "/sessions", `{"task":"weather app","session_id":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.pipeline.startErr = orchestrator.ErrEmptyTask
	rec = ts.do(t, http.MethodPost, "/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessions(t *testing.T) {
	ts := setupTestServer(t)
	ts.pipeline.sessions["s1"] = orchestrator.SessionInfo{ID: "s1", State: orchestrator.StateVerifying, ProjectID: "p1"}

	rec := ts.do(t, http.MethodGet, "/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.StateVerifying, decode[orchestrator.SessionInfo](t, rec).State)

	rec = ts.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]orchestrator.SessionInfo](t, rec)["sessions"], 1)

	rec = ts.do(t, http.MethodGet, "/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEventsForFinishedSession(t *testing.T) {
	ts := setupTestServer(t)
	ts.pipeline.sessions["s1"] = orchestrator.SessionInfo{ID: "s1", State: orchestrator.StateComplete, ProjectID: "p1", URL: "https://todo.vercel.app", Passed: true}
	ts.pipeline.sessions["s2"] = orchestrator.SessionInfo{ID: "s2", State: orchestrator.StateErrored, Error: "planning failed"}

	rec := ts.do(t, http.MethodGet, "/sessions/s1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: complete\ndata: "), body)
	assert.Contains(t, body, `"url":"https://todo.vercel.app"`)

	rec = ts.do(t, http.MethodGet, "/sessions/s2/events", "")
	assert.Contains(t, rec.Body.String(), "event: error\n")
	assert.Contains(t, rec.Body.String(), "planning failed")

	rec = ts.do(t, http.MethodGet, "/sessions/zzz/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, ts.pipeline.hub.Subscribers("zzz"))
}

func TestSessionEventsStreamsLiveSession(t *testing.T) {
	ts := setupTestServer(t)
	ts.pipeline.sessions["live"] = orchestrator.SessionInfo{ID: "live", State: orchestrator.StatePlanning}

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- ts.do(t, http.MethodGet, "/sessions/live/events", "") }()

	hub := ts.pipeline.hub
	require.Eventually(t, func() bool { return hub.Subscribers("live") == 1 }, testWait, testTick)
	hub.Publish("live", models.Event{Type: models.EventStatus, SessionID: "live", Message: "Planning..."})
	hub.Publish("live", models.Event{Type: models.EventError, SessionID: "live", Message: "boom"})

	rec := <-done
	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "data: "))
	assert.True(t, strings.Index(body, "event: status") < strings.Index(body, "event: error"))
}

func TestHandleDebug(t *testing.T) {
	ts := setupTestServer(t)

	ts.pipeline.repaired = []string{"app.js"}
	rec := ts.do(t, http.MethodPost, "/debug", `{"project_id":"p1","test_description":"todos persist","file_name":"app.js"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DebugResponse{Success: true, FixedFiles: []string{"app.js"}}, decode[DebugResponse](t, rec))
	assert.Equal(t, orchestrator.RepairRequest{ProjectID: "p1", TestDescription: "todos persist", FileName: "app.js"}, ts.pipeline.repairReq)

	ts.pipeline.repaired = []string{}
	rec = ts.do(t, http.MethodPost, "/debug", `{"project_id":"p1","test_description":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DebugResponse{Success: false, Message: "Debugger could not fix the issue"}, decode[DebugResponse](t, rec))

	ts.pipeline.repairErr = orchestrator.ErrInvalidRepair
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/debug", `{}`).Code)

	ts.pipeline.repairErr = workspace.ErrNotFound
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/debug", `{"project_id":"p9","test_description":"x"}`).Code)

	ts.pipeline.repairErr = errors.New("retries exhausted")
	rec = ts.do(t, http.MethodPost, "/debug", `{"project_id":"p1","test_description":"x"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, decode[DebugResponse](t, rec).Success)
}

func TestHandleDeploy(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/deploy", `{}`).Code)

	ts.pipeline.deployURL = "https://my-app.vercel.app"
	rec := ts.do(t, http.MethodPost, "/deploy", `{"project_id":"p1","project_name":"my app"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://my-app.vercel.app", decode[DeployResponse](t, rec).URL)
	assert.Equal(t, [2]string{"p1", "my app"}, ts.pipeline.deployArg)

	ts.pipeline.deployErr = orchestrator.ErrNoPublisher
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodPost, "/deploy", `{"project_id":"p1"}`).Code)

	ts.pipeline.deployErr = workspace.ErrNotFound
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/deploy", `{"project_id":"p1"}`).Code)

	ts.pipeline.deployErr = &publish.Error{Provider: "vercel", Output: "token invalid", Err: errors.New("exit status 1")}
	rec = ts.do(t, http.MethodPost, "/deploy", `{"project_id":"p1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "token invalid")
}

func TestListProjects(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	plan := &models.Plan{Goal: "g", Steps: []models.Step{{File: "index.html"}}}
	require.NoError(t, ts.memory.RecordSuccess(ctx, "todo app", plan, "https://a.vercel.app", "u1"))
	require.NoError(t, ts.memory.RecordSuccess(ctx, "weather app", plan, "https://b.vercel.app", "u2"))
	require.NoError(t, ts.memory.RecordFailure(ctx, "broken app", plan, "x: y", "u1"))

	rec := ts.do(t, http.MethodGet, "/projects/list", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]models.Success](t, rec)["projects"], 2)

	rec = ts.do(t, http.MethodGet, "/projects/list?user_id=u1", "")
	got := decode[map[string][]models.Success](t, rec)["projects"]
	require.Len(t, got, 1)
	assert.Equal(t, "todo app", got[0].Task)

	rec = ts.do(t, http.MethodGet, "/projects/list?user_id=nobody", "")
	assert.JSONEq(t, `{"projects":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/projects/list?limit=x", "").Code)
}

func TestServesProjectFiles(t *testing.T) {
	ts := setupTestServer(t)
	dir := filepath.Join(ts.projects, "p1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>todo</h1>"), 0o644))

	rec := ts.do(t, http.MethodGet, "/projects/p1/index.html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>todo</h1>", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/projects/p2/index.html", "").Code)
}

func TestPreferences(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/preferences/theme", "").Code)

	rec := ts.do(t, http.MethodPut, "/preferences/theme", `{"value":"dark"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.Preference{Scope: models.ScopeGlobal, Key: "theme", Value: "dark"}, decode[models.Preference](t, rec))

	rec = ts.do(t, http.MethodPut, "/preferences/theme?user_id=u1", `{"value":"light"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/preferences/theme", "")
	assert.Equal(t, "dark", decode[models.Preference](t, rec).Value)
	rec = ts.do(t, http.MethodGet, "/preferences/theme?scope=user:u1", "")
	assert.Equal(t, "light", decode[models.Preference](t, rec).Value)

	rec = ts.do(t, http.MethodGet, "/preferences?user_id=u1", "")
	assert.JSONEq(t, `{"scope":"user:u1","preferences":{"theme":"light"}}`, rec.Body.String())
}

func TestWorkflows(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/workflows/deploy-flow?user_id=u1", "").Code)

	rec := ts.do(t, http.MethodPut, "/workflows/deploy-flow?user_id=u1", `{"definition":{"steps":["plan","code"]}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/workflows/deploy-flow?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	wf := decode[models.Workflow](t, rec)
	assert.Equal(t, "deploy-flow", wf.Name)
	assert.Equal(t, "u1", wf.UserID)
	assert.JSONEq(t, `{"steps":["plan","code"]}`, string(wf.Definition))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/workflows/deploy-flow?user_id=u2", "").Code)
}
