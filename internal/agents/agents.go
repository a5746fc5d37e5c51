// Package agents holds the pipeline stages. Each stage turns one model call
// (or one browser session, for the verifier) into a typed result.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/example/app-orchestrator/internal/gateway"
	"github.com/example/app-orchestrator/internal/models"
)

// Generator is the text-generation contract; *gateway.Gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts ...gateway.Option) (string, error)
}

// FileWriter persists generated files for a project.
type FileWriter interface {
	Write(projectID string, files map[string]string) error
}

// PlanningError means no usable plan came back.
type PlanningError struct {
	Err error
}

func (e *PlanningError) Error() string { return "planning failed: " + e.Err.Error() }
func (e *PlanningError) Unwrap() error { return e.Err }

// GenerationError means a code-producing stage returned nothing usable.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// fileContents converts an extracted object into file contents. Values that
// are not strings are stored as their JSON encoding.
// fileContents reads a model's {"file": "content"} reply. Names are cleaned
// so "./app.js" and "app.js" address the same file.
func fileContents(obj map[string]any) map[string]string {
	out := make(map[string]string, len(obj))
	for raw, v := range obj {
		name := models.CleanName(raw)
		switch t := v.(type) {
		case string:
			out[name] = t
		case nil:
			out[name] = ""
		default:
			b, err := json.MarshalIndent(t, "", "  ")
			if err != nil {
				out[name] = fmt.Sprint(t)
				continue
			}
			out[name] = string(b)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stepList(plan *models.Plan) string {
	var b strings.Builder
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "- %s: %s\n", s.File, s.Description)
	}
	return b.String()
}
