package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/app-orchestrator/internal/agents"
	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/publish"
	"github.com/example/app-orchestrator/internal/workspace"
)

type harness struct {
	planner   *stubPlanner
	coder     *stubCoder
	verifier  *stubVerifier
	debugger  *stubDebugger
	reviewer  *stubReviewer
	memory    *fakeRecorder
	publisher *fakePublisher
	store     *workspace.Store
	hub       *Hub
	opts      Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return &harness{
		planner:  &stubPlanner{},
		coder:    &stubCoder{},
		verifier: &stubVerifier{},
		debugger: &stubDebugger{},
		reviewer: &stubReviewer{},
		memory:   &fakeRecorder{},
		store:    store,
		hub:      NewHub(),
		opts: Options{
			RepairBudget: 1,
			PublicURL:    "http://localhost:8000",
			NewProjectID: func() string { return "abc12345" },
		},
	}
}

func (h *harness) engine() *Engine {
	deps := Deps{
		Planner:   h.planner,
		Coder:     h.coder,
		Verifier:  h.verifier,
		Debugger:  h.debugger,
		Reviewer:  h.reviewer,
		Artifacts: h.store,
		Memory:    h.memory,
		Hub:       h.hub,
	}
	if h.publisher != nil {
		deps.Publisher = h.publisher
	}
	return New(deps, h.opts)
}

// changingPatch returns a different app.js on every call.
func changingPatch(call int) map[string]string {
	return map[string]string{"app.js": "// fix " + string(rune('0'+call))}
}

func TestRunPassingSession(t *testing.T) {
	h := newHarness(t)
	out := newCollector()

	e := h.engine()
	res, err := e.Run(context.Background(), Request{Task: "make a todo app", UserID: "u1", SessionID: "s1"}, out)
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventStatus, models.EventPlan, models.EventFiles,
		models.EventStatus, models.EventStatus, models.EventStatus,
		models.EventVerification, models.EventStatus, models.EventComplete,
	}, out.types())
	assert.True(t, res.Passed)
	assert.Equal(t, "abc12345", res.ProjectID)
	assert.Equal(t, "http://localhost:8000/projects/abc12345/index.html", res.URL)
	assert.False(t, res.Published)
	assert.Zero(t, h.debugger.calls)

	dir, _ := h.store.Dir("abc12345")
	assert.Equal(t, []string{dir}, h.verifier.dirs)

	recs := h.memory.all()
	require.Len(t, recs, 1)
	assert.Equal(t, record{models.RecordSuccess, "make a todo app", res.URL, "u1"}, recs[0])

	final := out.terminal()
	require.Len(t, final, 1)
	payload, ok := final[0].Payload.(CompletePayload)
	require.True(t, ok)
	assert.Equal(t, CompletePayload{URL: res.URL, ProjectID: "abc12345", Passed: true}, payload)
	assert.Equal(t, "s1", final[0].SessionID)

	info, ok := e.Session("s1")
	require.True(t, ok)
	assert.Equal(t, StateComplete, info.State)
	assert.Equal(t, res.URL, info.URL)
}

func TestRunRepairBudget(t *testing.T) {
	for _, budget := range []int{0, 1, 2} {
		h := newHarness(t)
		h.opts.RepairBudget = budget
		h.verifier.results = []bool{false}
		h.debugger.patch = changingPatch

		res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, nil)
		require.NoError(t, err)

		assert.Equal(t, budget, h.debugger.calls, "budget %d", budget)
		assert.Equal(t, budget+1, h.verifier.calls, "budget %d", budget)
		assert.Equal(t, budget, res.Repairs)
		assert.False(t, res.Passed)

		recs := h.memory.all()
		require.Len(t, recs, 1)
		assert.Equal(t, models.RecordFailure, recs[0].kind)
		assert.Equal(t, "Clicking button adds a todo: Item count after click: 0", recs[0].outcome)
	}
}

func TestRunRepairFixesSession(t *testing.T) {
	h := newHarness(t)
	h.verifier.results = []bool{false, true}
	h.debugger.patch = changingPatch

	res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, nil)
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Equal(t, 1, h.debugger.calls)
	content, _ := res.Files.Get("app.js")
	assert.Equal(t, "// fix 1", content)
	index, _ := res.Files.Get("index.html")
	assert.Equal(t, "<input><button>Add</button>", index)
	assert.Equal(t, models.RecordSuccess, h.memory.all()[0].kind)
}

func TestRunNoFixGoesToReview(t *testing.T) {
	cases := map[string]func(d *stubDebugger){
		"empty patch": func(d *stubDebugger) {},
		"unchanged patch": func(d *stubDebugger) {
			d.patch = func(int) map[string]string { return map[string]string{"app.js": "// v1"} }
		},
		"debugger error": func(d *stubDebugger) { d.err = errors.New("model said nothing useful") },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.opts.RepairBudget = 3
			h.verifier.results = []bool{false}
			setup(h.debugger)
			out := newCollector()

			res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, out)
			require.NoError(t, err)

			assert.Equal(t, 1, h.debugger.calls)
			assert.Equal(t, 1, h.verifier.calls)
			assert.False(t, res.Passed)
			require.NotNil(t, h.debugger.last)
			assert.False(t, h.debugger.last.Passed)
			assert.Contains(t, out.messages(models.EventStatus), "Reviewing code quality...")
			assert.Len(t, out.terminal(), 1)
		})
	}
}

func TestRunErroredSession(t *testing.T) {
	boom := &agents.PlanningError{Err: errors.New("no json")}
	cases := map[string]func(h *harness){
		"planner": func(h *harness) { h.planner.err = boom },
		"coder":   func(h *harness) { h.coder.err = &agents.GenerationError{Stage: "coder", Err: errors.New("bad json")} },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			setup(h)
			out := newCollector()
			sub := h.hub.Subscribe("s-err")
			defer sub.Close()

			e := h.engine()
			res, err := e.Run(context.Background(), Request{Task: "todo", SessionID: "s-err"}, out)
			require.Error(t, err)
			assert.Nil(t, res)

			final := out.terminal()
			require.Len(t, final, 1)
			assert.Equal(t, models.EventError, final[0].Type)
			types := out.types()
			assert.Equal(t, models.EventError, types[len(types)-1])
			assert.Empty(t, h.memory.all())
			assert.Zero(t, h.verifier.calls)

			info, ok := e.Session("s-err")
			require.True(t, ok)
			assert.Equal(t, StateErrored, info.State)
			assert.NotEmpty(t, info.Error)

			var last models.Event
			for ev := range sub.C {
				last = ev
			}
			assert.Equal(t, models.EventError, last.Type)
		})
	}
}

func TestRunPlannerErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	h.planner.err = &agents.PlanningError{Err: errors.New("plan has no goal")}

	_, err := h.engine().Run(context.Background(), Request{Task: "todo"}, nil)
	var pe *agents.PlanningError
	assert.ErrorAs(t, err, &pe)
}

type panickingReviewer struct{}

func (panickingReviewer) Review(context.Context, *models.FileSet, *models.Plan) *models.ReviewResult {
	panic("reviewer exploded")
}

func TestRunRecoversStagePanic(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	e.deps.Reviewer = panickingReviewer{}
	out := newCollector()

	_, err := e.Run(context.Background(), Request{Task: "todo"}, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reviewer exploded")
	require.Len(t, out.terminal(), 1)
	assert.Equal(t, models.EventError, out.terminal()[0].Type)
	assert.Empty(t, h.memory.all())
}

func TestRunEmitterFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	logger, logs := logging.NewObserved()
	h.opts.Logger = logger
	out := newCollector()
	out.failAfter = 2

	res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, out)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	assert.Equal(t, 3, out.calls, "emitter is skipped after the first failure")
	assert.Len(t, out.types(), 2)
	assert.Len(t, h.memory.all(), 1)
	assert.Equal(t, 1, logs.FilterMessage("client went away, continuing without progress events").Len())
}

func TestRunEmitterPanicDetachesClient(t *testing.T) {
	h := newHarness(t)
	logger, logs := logging.NewObserved()
	h.opts.Logger = logger
	calls := 0
	out := EmitterFunc(func(context.Context, models.Event) error {
		calls++
		panic("write on closed socket")
	})

	res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, out)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 1, calls)
	require.Len(t, h.memory.all(), 1)

	entries := logs.FilterMessage("client went away, continuing without progress events").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "write on closed socket")
}

func TestRunReviewWarning(t *testing.T) {
	h := newHarness(t)
	h.reviewer.review = &models.ReviewResult{
		Passed:         false,
		Issues:         []string{"a", "b", "c", "d", "e"},
		SuggestedFixes: map[string]string{"app.js": "// better"},
	}
	out := newCollector()

	res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, out)
	require.NoError(t, err)

	assert.Contains(t, out.messages(models.EventStatus), "Review found 5 issues: a, b, c")
	content, _ := res.Files.Get("app.js")
	assert.Equal(t, "// v1", content, "suggested fixes are advisory")
	assert.Equal(t, models.RecordSuccess, h.memory.all()[0].kind)
}

func TestRunPublishing(t *testing.T) {
	local := "http://localhost:8000/projects/abc12345/index.html"

	t.Run("published", func(t *testing.T) {
		h := newHarness(t)
		h.publisher = &fakePublisher{url: "https://todo-list-app.vercel.app"}
		res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, nil)
		require.NoError(t, err)
		assert.True(t, res.Published)
		assert.Equal(t, "https://todo-list-app.vercel.app", res.URL)
		assert.Equal(t, "todo-list-app", h.publisher.name)
		assert.Equal(t, "https://todo-list-app.vercel.app", h.memory.all()[0].outcome)
	})

	t.Run("publish error falls back to local", func(t *testing.T) {
		h := newHarness(t)
		h.publisher = &fakePublisher{err: &publish.Error{Provider: "vercel", Output: "not authorized", Err: errors.New("exit status 1")}}
		out := newCollector()
		res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, out)
		require.NoError(t, err)
		assert.False(t, res.Published)
		assert.Equal(t, local, res.URL)
		assert.Contains(t, out.messages(models.EventStatus), "Local preview (publish failed): "+local)
		assert.Equal(t, models.RecordSuccess, h.memory.all()[0].kind)
	})

	t.Run("unverified is not published", func(t *testing.T) {
		h := newHarness(t)
		h.opts.RepairBudget = 0
		h.verifier.results = []bool{false}
		h.publisher = &fakePublisher{url: "https://x.vercel.app"}
		res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, nil)
		require.NoError(t, err)
		assert.Zero(t, h.publisher.calls)
		assert.Equal(t, local, res.URL)
	})

	t.Run("unverified published when allowed", func(t *testing.T) {
		h := newHarness(t)
		h.opts.RepairBudget = 0
		h.opts.PublishUnverified = true
		h.verifier.results = []bool{false}
		h.publisher = &fakePublisher{url: "https://x.vercel.app"}
		res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, h.publisher.calls)
		assert.Equal(t, "https://x.vercel.app", res.URL)
		assert.Equal(t, models.RecordFailure, h.memory.all()[0].kind)
	})
}

func TestRunMemoryErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.memory.err = errors.New("disk full")
	out := newCollector()

	res, err := h.engine().Run(context.Background(), Request{Task: "todo"}, out)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, models.EventComplete, out.terminal()[0].Type)
}

func TestRunRejectsEmptyTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine().Run(context.Background(), Request{Task: "  "}, nil)
	assert.ErrorIs(t, err, ErrEmptyTask)
}

func TestSessionActive(t *testing.T) {
	h := newHarness(t)
	h.planner.block = make(chan struct{})
	e := h.engine()

	id, done, err := e.Start(context.Background(), Request{Task: "todo", SessionID: "dup"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "dup", id)

	_, err = e.Run(context.Background(), Request{Task: "todo", SessionID: "dup"}, nil)
	assert.ErrorIs(t, err, ErrSessionActive)

	close(h.planner.block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}

	info, ok := e.Session("dup")
	require.True(t, ok)
	assert.Equal(t, StateComplete, info.State)
	assert.Equal(t, "abc12345", info.ProjectID)
	assert.True(t, info.Passed)

	_, err = e.Run(context.Background(), Request{Task: "again", SessionID: "dup"}, nil)
	assert.NoError(t, err, "finished ids can be reused")
	assert.Len(t, e.Sessions(), 1)
}

func TestStartGeneratesSessionID(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	id, done, err := e.Start(context.Background(), Request{Task: "todo"}, nil)
	require.NoError(t, err)
	<-done
	assert.NotEmpty(t, id)
	_, ok := e.Session(id)
	assert.True(t, ok)
}

func TestRepair(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Write("proj0001", map[string]string{
		"index.html": "<ul></ul>",
		"app.js":     "// broken",
		"style.css":  "body{}",
	}))
	h.debugger.patch = func(int) map[string]string {
		return map[string]string{"app.js": "// fixed", "style.css": "body{}"}
	}
	e := h.engine()

	changed, err := e.Repair(context.Background(), RepairRequest{ProjectID: "proj0001", TestDescription: "todos persist after refresh", FileName: "app.js"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app.js"}, changed)

	require.NotNil(t, h.debugger.last)
	require.Len(t, h.debugger.last.Cases, 1)
	c := h.debugger.last.Cases[0]
	assert.Equal(t, "todos persist after refresh", c.Name)
	assert.False(t, c.Passed)
	assert.Equal(t, "User requested fix in app.js", c.Details)
	assert.False(t, h.debugger.last.Passed)
	assert.Equal(t, "Fix specific issue", h.debugger.plan.Goal)
}

func TestRepairErrors(t *testing.T) {
	h := newHarness(t)
	e := h.engine()

	_, err := e.Repair(context.Background(), RepairRequest{ProjectID: "missing1", TestDescription: "x"})
	assert.ErrorIs(t, err, workspace.ErrNotFound)

	_, err = e.Repair(context.Background(), RepairRequest{ProjectID: "p"})
	assert.ErrorIs(t, err, ErrInvalidRepair)

	require.NoError(t, h.store.Write("proj0002", map[string]string{"index.html": "<p>"}))
	changed, err := e.Repair(context.Background(), RepairRequest{ProjectID: "proj0002", TestDescription: "x"})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.NotNil(t, changed)
	assert.Equal(t, "User requested fix", h.debugger.last.Cases[0].Details)

	h.debugger.err = &agents.GenerationError{Stage: "debugger", Err: errors.New("no json")}
	_, err = e.Repair(context.Background(), RepairRequest{ProjectID: "proj0002", TestDescription: "x"})
	var ge *agents.GenerationError
	assert.ErrorAs(t, err, &ge)
}

func TestDeploy(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine().Deploy(context.Background(), "proj0003", "")
	assert.ErrorIs(t, err, ErrNoPublisher)

	h.publisher = &fakePublisher{url: "https://project-proj0003.vercel.app"}
	e := h.engine()
	_, err = e.Deploy(context.Background(), "proj0003", "")
	assert.ErrorIs(t, err, workspace.ErrNotFound)

	require.NoError(t, h.store.Write("proj0003", map[string]string{"index.html": "<p>"}))
	url, err := e.Deploy(context.Background(), "proj0003", "")
	require.NoError(t, err)
	assert.Equal(t, "https://project-proj0003.vercel.app", url)
	assert.Equal(t, "project-proj0003", h.publisher.name)
	dir, _ := h.store.Dir("proj0003")
	assert.Equal(t, dir, h.publisher.dir)
	_, statErr := os.Stat(filepath.Join(dir, "index.html"))
	assert.NoError(t, statErr)
}
