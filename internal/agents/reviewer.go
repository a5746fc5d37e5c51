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

const reviewerSystem = "You are an expert code reviewer. Return a JSON object with review results."

// Reviewer gives an advisory quality verdict. It never fails: anything it
// cannot read becomes models.DefaultReview().
type Reviewer struct {
	Gen    Generator
	Logger *zap.Logger
}

type reviewReply struct {
	Passed         *bool          `json:"passed"`
	Issues         []any          `json:"issues"`
	SuggestedFixes map[string]any `json:"suggested_fixes"`
	Suggestions    map[string]any `json:"suggestions"`
}

func (r *Reviewer) Review(ctx context.Context, files *models.FileSet, plan *models.Plan) *models.ReviewResult {
	log := logging.OrNop(r.Logger)
	if files == nil || files.Len() == 0 {
		return models.DefaultReview()
	}
	text, err := r.Gen.Generate(ctx, buildReviewPrompt(files, plan), gateway.WithSystemPrompt(reviewerSystem))
	if err != nil {
		log.Warn("review unavailable, assuming pass", zap.Error(err))
		return models.DefaultReview()
	}
	var reply reviewReply
	if err := extract.Into(text, &reply); err != nil {
		log.Warn("review unreadable, assuming pass", zap.Error(err))
		return models.DefaultReview()
	}

	out := models.DefaultReview()
	if reply.Passed != nil {
		out.Passed = *reply.Passed
	}
	for _, issue := range reply.Issues {
		out.Issues = append(out.Issues, describe(issue))
	}
	fixes := reply.SuggestedFixes
	if len(fixes) == 0 {
		fixes = reply.Suggestions
	}
	for name, content := range fileContents(fixes) {
		out.SuggestedFixes[name] = content
	}
	return out
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"description", "issue", "message"} {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func buildReviewPrompt(files *models.FileSet, plan *models.Plan) string {
	var code strings.Builder
	for _, name := range files.Names() {
		content, _ := files.Get(name)
		fmt.Fprintf(&code, "File %s:\n%s\n", name, content)
	}
	goal := ""
	if plan != nil {
		goal = plan.Goal
	}
	return fmt.Sprintf(`Review the following web app code for:
- Best practices (HTML/CSS/JS)
- Security vulnerabilities (XSS, etc.)
- Performance issues
- Accessibility
- Code clarity and maintainability

Return a JSON object with:
- passed: boolean (true if no critical issues)
- issues: list of strings describing each issue
- suggested_fixes: object where keys are filenames and values are suggested fixed content (only include files that need changes)

Code:
%s
Original plan goal: %s`, code.String(), goal)
}
