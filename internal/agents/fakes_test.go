package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/example/app-orchestrator/internal/browser"
	"github.com/example/app-orchestrator/internal/gateway"
	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/providers/llm"
)

// scriptedGen returns replies in order and records every prompt.
type scriptedGen struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
	systems []string
}

func (g *scriptedGen) Generate(ctx context.Context, prompt string, opts ...gateway.Option) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var req llm.Request
	for _, o := range opts {
		o(&req)
	}
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	g.systems = append(g.systems, req.SystemPrompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

type memWriter struct {
	mu     sync.Mutex
	writes []map[string]string
	err    error
}

func (w *memWriter) Write(id string, files map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, files)
	return nil
}

type fakeMemory struct {
	plans    []*models.Plan
	failures []string
	prefs    map[string]map[string]string
	err      error
}

func (m *fakeMemory) SimilarPlans(ctx context.Context, task string, limit int) ([]*models.Plan, error) {
	return m.plans, m.err
}

func (m *fakeMemory) SimilarFailures(ctx context.Context, task string, limit int) ([]string, error) {
	return m.failures, m.err
}

func (m *fakeMemory) Preferences(ctx context.Context, scope string) (map[string]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.prefs[scope], nil
}

// todoDriver simulates a one-input, one-button todo page.
type todoDriver struct {
	persist  bool
	openErr  error
	panicOn  string
	brokenJS bool
	stored   int
	opened   int
}

func (d *todoDriver) Open(ctx context.Context, dir string) (browser.Page, error) {
	d.opened++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &todoPage{d: d, items: d.stored}, nil
}

func (d *todoDriver) Close() error { return nil }

type todoPage struct {
	d      *todoDriver
	value  string
	items  int
	closed bool
}

func (p *todoPage) Count(selector string) (int, error) {
	if p.d.panicOn == "count" {
		panic("driver exploded")
	}
	switch selector {
	case "input", "button":
		return 1, nil
	case ".todo", ".item":
		return p.items, nil
	}
	return 0, nil
}

func (p *todoPage) Fill(selector string, nth int, text string) error {
	if nth != 0 {
		return browser.ErrNoElement
	}
	p.value = text
	return nil
}

func (p *todoPage) Click(selector string, nth int) error {
	if nth != 0 {
		return browser.ErrNoElement
	}
	if p.d.brokenJS {
		return nil
	}
	if strings.TrimSpace(p.value) != "" {
		p.items++
		p.value = ""
		if p.d.persist {
			p.d.stored = p.items
		}
	}
	return nil
}

func (p *todoPage) Reload() error {
	p.items = p.d.stored
	p.value = ""
	return nil
}

func (p *todoPage) Settle(d time.Duration) error { return nil }

func (p *todoPage) Screenshot(path string) (string, error) {
	return path, os.WriteFile(path, []byte("png"), 0o644)
}

func (p *todoPage) Close() error {
	p.closed = true
	return nil
}

func planFor(files ...string) *models.Plan {
	p := &models.Plan{Goal: "todo app"}
	for _, f := range files {
		p.Steps = append(p.Steps, models.Step{Agent: "coder", File: f, Description: fmt.Sprintf("write %s", f)})
	}
	return p
}
