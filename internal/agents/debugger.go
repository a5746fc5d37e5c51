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

const (
	debuggerSystem = "You are an expert debugger. Provide fixed code as JSON."
	// summaryLimit caps how much of each file the debugger prompt quotes.
	summaryLimit = 500
)

// Debugger asks for replacement contents of the files behind failing cases.
type Debugger struct {
	Gen    Generator
	Files  FileWriter
	Logger *zap.Logger
}

// Fix writes and returns the files the model changed. An empty map means
// no fix was offered.
func (d *Debugger) Fix(ctx context.Context, projectID string, files *models.FileSet, result *models.VerificationResult, plan *models.Plan) (map[string]string, error) {
	failed := result.Failed()
	if len(failed) == 0 {
		return map[string]string{}, nil
	}
	text, err := d.Gen.Generate(ctx, buildDebugPrompt(files, failed, plan), gateway.WithSystemPrompt(debuggerSystem))
	if err != nil {
		return nil, &GenerationError{Stage: "debugger", Err: err}
	}
	obj, err := extract.Object(text)
	if err != nil {
		return nil, &GenerationError{Stage: "debugger", Err: err}
	}
	fixed := fileContents(obj)
	if len(fixed) == 0 {
		return fixed, nil
	}
	if err := d.Files.Write(projectID, fixed); err != nil {
		return nil, fmt.Errorf("write fixed files: %w", err)
	}
	logging.OrNop(d.Logger).Info("debugger rewrote files", zap.Strings("files", sortedKeys(fixed)))
	return fixed, nil
}

func buildDebugPrompt(files *models.FileSet, failed []models.TestCase, plan *models.Plan) string {
	var code strings.Builder
	for _, name := range files.Names() {
		content, _ := files.Get(name)
		fmt.Fprintf(&code, "File %s:\n%s...\n", name, truncate(content, summaryLimit))
	}
	var errs strings.Builder
	for _, c := range failed {
		details := c.Details
		if details == "" {
			details = "unknown"
		}
		fmt.Fprintf(&errs, "- %s: %s\n", c.Name, details)
	}
	goal, steps := "", "[]"
	if plan != nil {
		goal = plan.Goal
		if b, err := json.Marshal(plan.Steps); err == nil {
			steps = string(b)
		}
	}
	return fmt.Sprintf(`The following web app failed verification tests.
Current code:
%s
Failed tests:
%s
Original plan goal: %s
Tasks: %s

Analyse the failures and provide corrected code. Return a JSON object where keys are filenames and values are the fixed file contents.
Only include files that need changes. If no changes are needed, return an empty object.
Make sure the code is self-contained and fixes the issues described.`, code.String(), errs.String(), goal, steps)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
