package agents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/extract"
	"github.com/example/app-orchestrator/internal/gateway"
	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/models"
)

const coderSystem = "You are an expert web developer. Generate code as a valid JSON object."

var errNoPlannedFiles = errors.New("response contained none of the planned files")

// Coder produces every planned file in one generation call.
type Coder struct {
	Gen    Generator
	Files  FileWriter
	Logger *zap.Logger
}

func (c *Coder) Generate(ctx context.Context, projectID string, plan *models.Plan) (*models.FileSet, error) {
	log := logging.OrNop(c.Logger)
	text, err := c.Gen.Generate(ctx, buildCodePrompt(plan), gateway.WithSystemPrompt(coderSystem))
	if err != nil {
		return nil, &GenerationError{Stage: "coder", Err: err}
	}
	obj, err := extract.Object(text)
	if err != nil {
		return nil, &GenerationError{Stage: "coder", Err: err}
	}
	obj = unwrapFiles(obj, plan)
	produced := fileContents(obj)

	out := models.NewFileSet()
	for _, name := range plan.Files() {
		if content, ok := produced[name]; ok {
			out.Set(name, content)
			delete(produced, name)
		}
	}
	if len(produced) > 0 {
		log.Warn("ignoring files outside the plan", zap.Strings("files", sortedKeys(produced)))
	}
	if out.Len() == 0 {
		return nil, &GenerationError{Stage: "coder", Err: errNoPlannedFiles}
	}
	if missing := len(plan.Steps) - out.Len(); missing > 0 {
		log.Warn("planned files missing from generation", zap.Int("missing", missing))
	}
	if err := c.Files.Write(projectID, out.Map()); err != nil {
		return nil, fmt.Errorf("write generated files: %w", err)
	}
	return out, nil
}

// unwrapFiles accepts {"files": {...}} when no planned file is named "files".
func unwrapFiles(obj map[string]any, plan *models.Plan) map[string]any {
	inner, ok := obj["files"].(map[string]any)
	if !ok || len(obj) != 1 {
		return obj
	}
	for _, f := range plan.Files() {
		if f == "files" {
			return obj
		}
	}
	return inner
}

func buildCodePrompt(plan *models.Plan) string {
	return fmt.Sprintf(`Based on the following plan, generate the complete code for each file.
Return a JSON object where keys are filenames and values are the file contents. Ensure the JSON is valid: escape backslashes and quotes inside strings and do not include any text outside the JSON.

Plan goal: %s
Files needed:
%s
Make sure the code is self-contained, uses vanilla HTML/CSS/JavaScript (unless otherwise specified), and is ready to run in a browser.
Items the user adds to a list should carry the CSS class "todo".

Example output:
{
  "index.html": "<html>...</html>",
  "style.css": "body { ... }",
  "app.js": "console.log('hello');"
}`, plan.Goal, stepList(plan))
}
