package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/extract"
	"github.com/example/app-orchestrator/internal/gateway"
	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/models"
)

// PlanMemory is the part of the memory store the planner reads.
type PlanMemory interface {
	SimilarPlans(ctx context.Context, task string, limit int) ([]*models.Plan, error)
	SimilarFailures(ctx context.Context, task string, limit int) ([]string, error)
	Preferences(ctx context.Context, scope string) (map[string]string, error)
}

const plannerSystem = "You are an expert software planner. Create a step-by-step plan to build the requested app."

// Planner turns a task into a Plan, primed with similar past work.
type Planner struct {
	Gen    Generator
	Memory PlanMemory
	Logger *zap.Logger
}

func (p *Planner) Plan(ctx context.Context, task, userID string) (*models.Plan, error) {
	log := logging.OrNop(p.Logger)
	prompt := buildPlanPrompt(task, p.recall(ctx, task, userID, log))

	text, err := p.Gen.Generate(ctx, prompt, gateway.WithSystemPrompt(plannerSystem))
	if err != nil {
		return nil, &PlanningError{Err: err}
	}
	var plan models.Plan
	if err := extract.Into(text, &plan); err != nil {
		return nil, &PlanningError{Err: err}
	}
	if err := plan.Validate(); err != nil {
		return nil, &PlanningError{Err: err}
	}
	if dropped := plan.Normalize(); len(dropped) > 0 {
		log.Warn("dropped duplicate plan steps", zap.Strings("files", dropped))
	}
	if len(plan.Steps) == 0 {
		return nil, &PlanningError{Err: models.ErrPlanMissingSteps}
	}
	return &plan, nil
}

type recollection struct {
	plans    []*models.Plan
	failures []string
	prefs    map[string]string
}

// recall gathers context from memory. Read failures only cost context.
func (p *Planner) recall(ctx context.Context, task, userID string, log *zap.Logger) recollection {
	var r recollection
	if p.Memory == nil {
		return r
	}
	var err error
	if r.plans, err = p.Memory.SimilarPlans(ctx, task, 3); err != nil {
		log.Warn("similar plans unavailable", zap.Error(err))
	}
	if r.failures, err = p.Memory.SimilarFailures(ctx, task, 3); err != nil {
		log.Warn("similar failures unavailable", zap.Error(err))
	}
	r.prefs = map[string]string{}
	scopes := []string{models.ScopeGlobal}
	if userID != "" {
		scopes = append(scopes, models.UserScope(userID))
	}
	// user scope is read last so it overrides global values
	for _, scope := range scopes {
		prefs, err := p.Memory.Preferences(ctx, scope)
		if err != nil {
			log.Warn("preferences unavailable", zap.String("scope", scope), zap.Error(err))
			continue
		}
		for k, v := range prefs {
			r.prefs[k] = v
		}
	}
	return r
}

func buildPlanPrompt(task string, r recollection) string {
	var b strings.Builder
	if len(r.plans) > 0 {
		enc, _ := json.Marshal(r.plans)
		fmt.Fprintf(&b, "Similar past plans: %s\n", enc)
	}
	if len(r.failures) > 0 {
		b.WriteString("Past failures on similar requests (avoid repeating them):\n")
		for _, f := range r.failures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(r.prefs) > 0 {
		pairs := make([]string, 0, len(r.prefs))
		for _, k := range sortedKeys(r.prefs) {
			pairs = append(pairs, k+"="+r.prefs[k])
		}
		fmt.Fprintf(&b, "User preferences: %s\n", strings.Join(pairs, ", "))
	}
	fmt.Fprintf(&b, `
User request: %s

Output valid JSON with:
- goal: string
- steps: list of objects with "agent" (e.g., "coder"), "file", "description"
- verification_tests: list of strings describing what to test

Example:
{
  "goal": "todo app with local storage",
  "steps": [
    {"agent": "coder", "file": "index.html", "description": "HTML structure"},
    {"agent": "coder", "file": "style.css", "description": "Styling"},
    {"agent": "coder", "file": "app.js", "description": "Local storage logic"}
  ],
  "verification_tests": [
    "Input field exists",
    "Add button adds a todo",
    "Todos persist after page refresh"
  ]
}`, task)
	return b.String()
}
