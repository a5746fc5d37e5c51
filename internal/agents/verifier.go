package agents

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/browser"
	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/workspace"
)

// CrashCase names the single case reported when the driver fails.
const CrashCase = "verifier_crash"

const (
	sampleTodo      = "Test todo"
	sampleInput     = "test input"
	noSpecificCheck = "No specific test implemented"
)

// Verifier renders an artifact and probes it with rule-matched tests plus
// exploratory interaction with every button and input.
type Verifier struct {
	Driver browser.Driver
	// ItemSelector counts the items a "button adds" test expects.
	ItemSelector string
	SettleDelay  time.Duration
	Logger       *zap.Logger
}

type probeRule struct {
	name  string
	match func(test string) bool
	run   func(v *Verifier, p browser.Page) (bool, string, error)
}

// rules are tried in order; the first match evaluates the test.
var rules = []probeRule{
	{
		name:  "input-exists",
		match: func(t string) bool { return strings.Contains(t, "input") && strings.Contains(t, "exists") },
		run: func(v *Verifier, p browser.Page) (bool, string, error) {
			n, err := p.Count("input")
			if err != nil {
				return false, "", err
			}
			return n > 0, fmt.Sprintf("Found %d input(s)", n), nil
		},
	},
	{
		name:  "button-adds",
		match: func(t string) bool { return strings.Contains(t, "button") && strings.Contains(t, "adds") },
		run: func(v *Verifier, p browser.Page) (bool, string, error) {
			n, err := v.addItem(p)
			if err != nil {
				return false, "", err
			}
			return n > 0, fmt.Sprintf("Item count after click: %d", n), nil
		},
	},
	{
		name:  "persist-refresh",
		match: func(t string) bool { return strings.Contains(t, "persist") && strings.Contains(t, "refresh") },
		run: func(v *Verifier, p browser.Page) (bool, string, error) {
			if _, err := v.addItem(p); err != nil {
				return false, "", err
			}
			if err := p.Reload(); err != nil {
				return false, "", err
			}
			n, err := p.Count(v.itemSelector())
			if err != nil {
				return false, "", err
			}
			return n > 0, fmt.Sprintf("Items after refresh: %d", n), nil
		},
	},
}

// RenderAndProbe never returns an error: driver failures and panics become
// a failed result with a single CrashCase.
func (v *Verifier) RenderAndProbe(ctx context.Context, dir string, tests []string) (res *models.VerificationResult) {
	log := logging.OrNop(v.Logger)
	defer func() {
		if r := recover(); r != nil {
			log.Error("verifier panicked", zap.Any("panic", r))
			res = crashResult(fmt.Errorf("panic: %v", r))
		}
	}()

	page, err := v.Driver.Open(ctx, dir)
	if err != nil {
		log.Warn("verification driver failed to open artifact", zap.String("dir", dir), zap.Error(err))
		return crashResult(err)
	}
	defer page.Close()

	shot, err := page.Screenshot(filepath.Join(dir, workspace.ScreenshotFile))
	if err != nil {
		return crashResult(fmt.Errorf("screenshot: %w", err))
	}

	res = &models.VerificationResult{}
	for _, test := range tests {
		res.Cases = append(res.Cases, v.evaluate(page, test))
	}
	res.Cases = append(res.Cases, v.explore(page)...)
	if err := ctx.Err(); err != nil {
		return crashResult(err)
	}
	res.Finalize()
	if !res.Passed {
		res.Artifact = shot
	}
	return res
}

func (v *Verifier) evaluate(p browser.Page, test string) models.TestCase {
	lower := strings.ToLower(test)
	for _, r := range rules {
		if !r.match(lower) {
			continue
		}
		passed, details, err := r.run(v, p)
		if err != nil {
			return models.TestCase{Name: test, Passed: false, Details: "Error: " + err.Error()}
		}
		return models.TestCase{Name: test, Passed: passed, Details: details}
	}
	return models.TestCase{Name: test, Passed: true, Details: noSpecificCheck}
}

// explore clicks every button and fills every input present after the
// declared tests ran.
func (v *Verifier) explore(p browser.Page) []models.TestCase {
	var cases []models.TestCase
	buttons, err := p.Count("button")
	if err != nil {
		return append(cases, models.TestCase{Name: "Discover buttons", Details: err.Error()})
	}
	for i := 0; i < buttons; i++ {
		c := models.TestCase{Name: fmt.Sprintf("Click button %d", i+1), Passed: true, Details: "Button click succeeded"}
		if err := p.Click("button", i); err != nil {
			c.Passed, c.Details = false, "Button click failed: "+err.Error()
		} else if err := p.Settle(v.SettleDelay); err != nil {
			c.Passed, c.Details = false, "Button click failed: "+err.Error()
		}
		cases = append(cases, c)
	}

	inputs, err := p.Count("input")
	if err != nil {
		return append(cases, models.TestCase{Name: "Discover inputs", Details: err.Error()})
	}
	for i := 0; i < inputs; i++ {
		c := models.TestCase{Name: fmt.Sprintf("Fill input %d", i+1), Passed: true, Details: "Input fill succeeded"}
		if err := p.Fill("input", i, sampleInput); err != nil {
			c.Passed, c.Details = false, "Input fill failed: "+err.Error()
		}
		cases = append(cases, c)
	}
	return cases
}

// addItem types into the first input, clicks the first button and returns
// the item count once the page settles.
func (v *Verifier) addItem(p browser.Page) (int, error) {
	if err := p.Fill("input", 0, sampleTodo); err != nil {
		return 0, err
	}
	if err := p.Click("button", 0); err != nil {
		return 0, err
	}
	if err := p.Settle(v.SettleDelay); err != nil {
		return 0, err
	}
	return p.Count(v.itemSelector())
}

func (v *Verifier) itemSelector() string {
	if v.ItemSelector == "" {
		return ".todo"
	}
	return v.ItemSelector
}

func crashResult(err error) *models.VerificationResult {
	return &models.VerificationResult{
		Passed: false,
		Cases:  []models.TestCase{{Name: CrashCase, Passed: false, Details: err.Error()}},
	}
}
