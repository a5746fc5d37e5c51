// Package orchestrator runs one session of the pipeline: plan, generate,
// verify with a bounded repair loop, review, publish and record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/publish"
	"github.com/example/app-orchestrator/internal/workspace"
)

const instrumentationName = "github.com/example/app-orchestrator/internal/orchestrator"

type Planner interface {
	Plan(ctx context.Context, task, userID string) (*models.Plan, error)
}

type Coder interface {
	Generate(ctx context.Context, projectID string, plan *models.Plan) (*models.FileSet, error)
}

// Verifier always returns a well-formed result.
type Verifier interface {
	RenderAndProbe(ctx context.Context, dir string, tests []string) *models.VerificationResult
}

type Debugger interface {
	Fix(ctx context.Context, projectID string, files *models.FileSet, result *models.VerificationResult, plan *models.Plan) (map[string]string, error)
}

// Reviewer always returns a result; failures degrade to a passing review.
type Reviewer interface {
	Review(ctx context.Context, files *models.FileSet, plan *models.Plan) *models.ReviewResult
}

// Artifacts locates and reads project directories.
type Artifacts interface {
	Dir(projectID string) (string, error)
	Load(projectID string) (*models.FileSet, error)
}

// Recorder is the part of the memory store the engine writes to.
type Recorder interface {
	RecordSuccess(ctx context.Context, task string, plan *models.Plan, url, userID string) error
	RecordFailure(ctx context.Context, task string, plan *models.Plan, errMsg, userID string) error
}

// Deps are the collaborators of an Engine. Publisher and Hub may be nil.
type Deps struct {
	Planner   Planner
	Coder     Coder
	Verifier  Verifier
	Debugger  Debugger
	Reviewer  Reviewer
	Artifacts Artifacts
	Memory    Recorder
	Publisher publish.Publisher
	Hub       *Hub
}

type Options struct {
	// RepairBudget bounds debugger attempts per session.
	RepairBudget int
	// PublishUnverified publishes even when verification failed.
	PublishUnverified bool
	// PublicURL is the base of local artifact URLs.
	PublicURL    string
	MaxSessions  int
	Logger       *zap.Logger
	NewProjectID func() string
}

// Request starts a session. SessionID is generated when empty.
type Request struct {
	Task      string
	UserID    string
	SessionID string
}

// Outcome is what a completed session produced.
type Outcome struct {
	SessionID    string                     `json:"session_id"`
	ProjectID    string                     `json:"project_id"`
	URL          string                     `json:"url"`
	Published    bool                       `json:"published"`
	Passed       bool                       `json:"passed"`
	Repairs      int                        `json:"repairs"`
	Plan         *models.Plan               `json:"plan"`
	Files        *models.FileSet            `json:"files"`
	Verification *models.VerificationResult `json:"verification"`
	Review       *models.ReviewResult       `json:"review"`
}

// CompletePayload is carried by the final complete event.
type CompletePayload struct {
	URL       string `json:"url"`
	ProjectID string `json:"project_id"`
	Passed    bool   `json:"passed"`
	Published bool   `json:"published"`
}

var ErrEmptyTask = errors.New("orchestrator: task is empty")

type Engine struct {
	deps   Deps
	opts   Options
	log    *zap.Logger
	tracer trace.Tracer
	reg    *registry
}

func New(deps Deps, opts Options) *Engine {
	if opts.NewProjectID == nil {
		opts.NewProjectID = workspace.NewProjectID
	}
	if opts.RepairBudget < 0 {
		opts.RepairBudget = 0
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		log:    logging.OrNop(opts.Logger),
		tracer: otel.Tracer(instrumentationName),
		reg:    newRegistry(opts.MaxSessions),
	}
}

// Hub returns the observer hub, or nil.
func (e *Engine) Hub() *Hub { return e.deps.Hub }

func (e *Engine) Sessions() []SessionInfo { return e.reg.list() }

func (e *Engine) Session(id string) (SessionInfo, bool) { return e.reg.get(id) }

// session is the mutable state of one Run.
type session struct {
	id, task, userID string
	log              *zap.Logger
	out              Emitter
	outFailed        bool

	plan      *models.Plan
	projectID string
	dir       string
	files     *models.FileSet
	result    *models.VerificationResult
	review    *models.ReviewResult
	url       string
	published bool
	repairs   int
}

func (e *Engine) begin(req *Request) error {
	if strings.TrimSpace(req.Task) == "" {
		return ErrEmptyTask
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return e.reg.begin(req.SessionID, req.Task, req.UserID)
}

// Start registers the session and runs it in the background. The returned
// channel is closed when the session reaches a terminal state.
func (e *Engine) Start(ctx context.Context, req Request, out Emitter) (string, <-chan struct{}, error) {
	if err := e.begin(&req); err != nil {
		return "", nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.run(ctx, req, out)
	}()
	return req.SessionID, done, nil
}

// Run drives one session to Complete or Errored. Events go to out and to
// the hub; out may be nil. Once the session is registered exactly one
// complete or error event is emitted. The returned error is the stage error
// that moved the session to Errored.
func (e *Engine) Run(ctx context.Context, req Request, out Emitter) (*Outcome, error) {
	if err := e.begin(&req); err != nil {
		return nil, err
	}
	return e.run(ctx, req, out)
}

func (e *Engine) run(ctx context.Context, req Request, out Emitter) (*Outcome, error) {
	s := &session{
		id:     req.SessionID,
		task:   req.Task,
		userID: req.UserID,
		out:    out,
		log:    e.log.With(zap.String("session_id", req.SessionID)),
	}
	ActiveSessions.Inc()
	defer ActiveSessions.Dec()

	ctx, span := e.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("user.id", s.userID),
	))
	defer span.End()

	s.log.Info("session started", zap.String("task", s.task))
	err := e.drive(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		SessionsTotal.WithLabelValues("errored").Inc()
		e.reg.update(s.id, func(i *SessionInfo) {
			i.State = StateErrored
			i.Error = err.Error()
		})
		s.log.Error("session errored", zap.Error(err))
		e.emit(ctx, s, models.Event{Type: models.EventError, Message: err.Error()})
		return nil, err
	}

	result := "failed"
	if s.result.Passed {
		result = "passed"
	}
	SessionsTotal.WithLabelValues(result).Inc()
	e.reg.update(s.id, func(i *SessionInfo) {
		i.State = StateComplete
		i.URL = s.url
		i.Passed = s.result.Passed
	})
	s.log.Info("session complete", zap.String("url", s.url), zap.Bool("passed", s.result.Passed), zap.Int("repairs", s.repairs))
	e.emit(ctx, s, models.Event{
		Type:    models.EventComplete,
		Message: "Your app is ready!",
		Payload: CompletePayload{URL: s.url, ProjectID: s.projectID, Passed: s.result.Passed, Published: s.published},
	})
	return &Outcome{
		SessionID:    s.id,
		ProjectID:    s.projectID,
		URL:          s.url,
		Published:    s.published,
		Passed:       s.result.Passed,
		Repairs:      s.repairs,
		Plan:         s.plan,
		Files:        s.files,
		Verification: s.result,
		Review:       s.review,
	}, nil
}

// drive is the state machine loop. It returns only unrecovered errors.
func (e *Engine) drive(ctx context.Context, s *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	state := StatePlanning
	for !state.Terminal() {
		e.reg.update(s.id, func(i *SessionInfo) { i.State = state })
		next, err := e.step(ctx, s, state)
		if err != nil {
			return err
		}
		state = next
	}
	return nil
}

func (e *Engine) step(ctx context.Context, s *session, state State) (next State, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator."+string(state), trace.WithAttributes(attribute.String("session.id", s.id)))
	start := time.Now()
	defer func() {
		StageDuration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch state {
	case StatePlanning:
		return e.planning(ctx, s)
	case StateGenerating:
		return e.generating(ctx, s)
	case StateVerifying:
		return e.verifying(ctx, s)
	case StateRepairing:
		return e.repairing(ctx, s)
	case StateReviewing:
		return e.reviewing(ctx, s)
	case StatePublishing:
		return e.publishing(ctx, s)
	case StateRecording:
		return e.recording(ctx, s)
	}
	return StateErrored, fmt.Errorf("unknown state %q", state)
}

func (e *Engine) planning(ctx context.Context, s *session) (State, error) {
	e.status(ctx, s, "Planning...")
	plan, err := e.deps.Planner.Plan(ctx, s.task, s.userID)
	if err != nil {
		return StateErrored, err
	}
	s.plan = plan
	e.emit(ctx, s, models.Event{
		Type:    models.EventPlan,
		Message: fmt.Sprintf("Planned %d tasks", len(plan.Steps)),
		Payload: plan,
	})
	return StateGenerating, nil
}

func (e *Engine) generating(ctx context.Context, s *session) (State, error) {
	s.projectID = e.opts.NewProjectID()
	dir, err := e.deps.Artifacts.Dir(s.projectID)
	if err != nil {
		return StateErrored, err
	}
	s.dir = dir
	e.reg.update(s.id, func(i *SessionInfo) { i.ProjectID = s.projectID })
	s.log = s.log.With(zap.String("project_id", s.projectID))

	files, err := e.deps.Coder.Generate(ctx, s.projectID, s.plan)
	if err != nil {
		return StateErrored, err
	}
	s.files = files
	e.emit(ctx, s, models.Event{
		Type:    models.EventFiles,
		Message: fmt.Sprintf("Generated %d files", files.Len()),
		Payload: files,
	})
	return StateVerifying, nil
}

func (e *Engine) verifying(ctx context.Context, s *session) (State, error) {
	e.status(ctx, s, "Verifying...")
	s.result = e.deps.Verifier.RenderAndProbe(ctx, s.dir, s.plan.VerificationTests)
	if s.result == nil {
		s.result = (&models.VerificationResult{Cases: []models.TestCase{{Name: "verifier", Details: "no result"}}}).Finalize()
	}
	s.log.Info("verification finished", zap.Bool("passed", s.result.Passed), zap.Int("failed", len(s.result.Failed())))
	if !s.result.Passed && s.repairs < e.opts.RepairBudget {
		return StateRepairing, nil
	}
	return StateReviewing, nil
}

// repairing asks the debugger for a patch. A debugger error or a patch
// that changes nothing leaves the failed result in place and moves on.
func (e *Engine) repairing(ctx context.Context, s *session) (State, error) {
	s.repairs++
	e.reg.update(s.id, func(i *SessionInfo) { i.Repairs = s.repairs })
	e.status(ctx, s, fmt.Sprintf("Debugging attempt %d...", s.repairs))

	patch, err := e.deps.Debugger.Fix(ctx, s.projectID, s.files, s.result, s.plan)
	if err != nil {
		RepairsTotal.WithLabelValues("pipeline", "error").Inc()
		s.log.Warn("debugger failed", zap.Error(err))
		return StateReviewing, nil
	}
	changed := s.files.Apply(patch)
	if len(changed) == 0 {
		RepairsTotal.WithLabelValues("pipeline", "no_fix").Inc()
		e.status(ctx, s, "No fix available")
		return StateReviewing, nil
	}
	RepairsTotal.WithLabelValues("pipeline", "fixed").Inc()
	s.log.Info("applied fixes", zap.Strings("files", changed))
	return StateVerifying, nil
}

func (e *Engine) reviewing(ctx context.Context, s *session) (State, error) {
	e.status(ctx, s, "Reviewing code quality...")
	s.review = e.deps.Reviewer.Review(ctx, s.files, s.plan)
	if s.review == nil {
		s.review = models.DefaultReview()
	}
	if s.review.Passed {
		e.status(ctx, s, "Code review passed")
	} else {
		e.status(ctx, s, reviewWarning(s.review.Issues))
	}

	verdict := "failed"
	if s.result.Passed {
		verdict = "passed"
	}
	e.emit(ctx, s, models.Event{
		Type:    models.EventVerification,
		Message: "Verification " + verdict,
		Payload: s.result,
	})
	return StatePublishing, nil
}

func reviewWarning(issues []string) string {
	shown := issues
	if len(shown) > 3 {
		shown = shown[:3]
	}
	return fmt.Sprintf("Review found %d issues: %s", len(issues), strings.Join(shown, ", "))
}

// publishing never fails the session; a publish error falls back to the
// locally served copy.
func (e *Engine) publishing(ctx context.Context, s *session) (State, error) {
	local := publish.LocalURL(e.opts.PublicURL, s.projectID)
	if e.deps.Publisher == nil || !(s.result.Passed || e.opts.PublishUnverified) {
		s.url = local
		e.status(ctx, s, "Local preview: "+local)
		return StateRecording, nil
	}

	e.status(ctx, s, "Publishing...")
	url, err := e.deps.Publisher.Publish(ctx, s.dir, publish.ProjectName(s.plan.Goal))
	if err != nil {
		s.log.Warn("publish failed, using local preview", zap.Error(err))
		s.url = local
		e.status(ctx, s, "Local preview (publish failed): "+local)
		return StateRecording, nil
	}
	s.url = url
	s.published = true
	e.status(ctx, s, "Published to "+url)
	return StateRecording, nil
}

func (e *Engine) recording(ctx context.Context, s *session) (State, error) {
	var err error
	if s.result.Passed {
		err = e.deps.Memory.RecordSuccess(ctx, s.task, s.plan, s.url, s.userID)
	} else {
		err = e.deps.Memory.RecordFailure(ctx, s.task, s.plan, failureSummary(s.result), s.userID)
	}
	if err != nil {
		s.log.Error("failed to record outcome", zap.Error(err))
	}
	return StateComplete, nil
}

func failureSummary(r *models.VerificationResult) string {
	failed := r.Failed()
	parts := make([]string, 0, len(failed))
	for _, c := range failed {
		parts = append(parts, c.Name+": "+c.Details)
	}
	return strings.Join(parts, "; ")
}

func (e *Engine) status(ctx context.Context, s *session, msg string) {
	e.emit(ctx, s, models.Event{Type: models.EventStatus, Message: msg})
}

// emit delivers ev to the hub and to the session's client. The first
// client error or panic is logged and later events skip the client.
func (e *Engine) emit(ctx context.Context, s *session, ev models.Event) {
	ev.SessionID = s.id
	if e.deps.Hub != nil {
		e.deps.Hub.Publish(s.id, ev)
	}
	if s.out == nil || s.outFailed {
		return
	}
	if err := emitSafely(ctx, s.out, ev); err != nil {
		s.outFailed = true
		s.log.Info("client went away, continuing without progress events", zap.Error(err))
	}
}

func emitSafely(ctx context.Context, out Emitter, ev models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("emitter panic: %v", r)
		}
	}()
	return out.Emit(ctx, ev)
}
