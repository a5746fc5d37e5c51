package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strings"
	"time"
)

// Step is one unit of a plan: which agent produces which file.
type Step struct {
	Agent       string `json:"agent"`
	File        string `json:"file"`
	Description string `json:"description"`
}

// Plan is produced once per session by the planner and consumed by the
// coder and verifier.
type Plan struct {
	Goal              string   `json:"goal"`
	Steps             []Step   `json:"steps"`
	VerificationTests []string `json:"verification_tests"`
}

var (
	ErrPlanMissingGoal  = errors.New("plan has no goal")
	ErrPlanMissingSteps = errors.New("plan has no steps")
)

// Validate reports the first required field that is absent.
func (p *Plan) Validate() error {
	if p == nil || strings.TrimSpace(p.Goal) == "" {
		return ErrPlanMissingGoal
	}
	if len(p.Steps) == 0 {
		return ErrPlanMissingSteps
	}
	return nil
}

// Normalize drops steps without a file or with a file already claimed by an
// earlier step, and defaults the agent to "coder".
func (p *Plan) Normalize() (dropped []string) {
	seen := make(map[string]struct{}, len(p.Steps))
	out := p.Steps[:0]
	for _, s := range p.Steps {
		s.File = strings.TrimSpace(s.File)
		if s.File == "" {
			continue
		}
		if _, dup := seen[s.File]; dup {
			dropped = append(dropped, s.File)
			continue
		}
		seen[s.File] = struct{}{}
		if s.Agent == "" {
			s.Agent = "coder"
		}
		out = append(out, s)
	}
	p.Steps = out
	return dropped
}

// Files returns the step files in generation order.
func (p *Plan) Files() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.File)
	}
	return out
}

// FileSet maps relative filenames to full contents. Insertion order is kept
// for display only.
type FileSet struct {
	order []string
	files map[string]string
}

func NewFileSet() *FileSet {
	return &FileSet{files: map[string]string{}}
}

// FileSetFrom builds a FileSet from a map, ordering names by the given hint
// first and the rest lexically.
func FileSetFrom(m map[string]string, order ...string) *FileSet {
	fs := NewFileSet()
	for _, name := range order {
		if c, ok := m[name]; ok {
			fs.Set(name, c)
		}
	}
	rest := make([]string, 0, len(m))
	for name := range m {
		if _, ok := fs.files[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		fs.Set(name, m[name])
	}
	return fs
}

func (f *FileSet) Set(name, content string) {
	if f.files == nil {
		f.files = map[string]string{}
	}
	if _, ok := f.files[name]; !ok {
		f.order = append(f.order, name)
	}
	f.files[name] = content
}

func (f *FileSet) Get(name string) (string, bool) {
	c, ok := f.files[name]
	return c, ok
}

func (f *FileSet) Len() int { return len(f.order) }

func (f *FileSet) Names() []string {
	return append([]string(nil), f.order...)
}

// Map returns a copy of the contents keyed by filename.
func (f *FileSet) Map() map[string]string {
	out := make(map[string]string, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

// CleanName is the slash-separated form of a project file name, so
// "./app.js" and "app.js" name the same file. It does not reject names
// that escape the project.
func CleanName(name string) string {
	return path.Clean(strings.ReplaceAll(name, "\\", "/"))
}

// Apply overwrites only the patched files, leaving every other file as is.
// Patch names are cleaned before they are matched. It returns the cleaned
// names whose content actually changed.
func (f *FileSet) Apply(patch map[string]string) []string {
	if len(patch) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(patch))
	for name, content := range patch {
		cleaned[CleanName(name)] = content
	}
	names := make([]string, 0, len(cleaned))
	for name := range cleaned {
		names = append(names, name)
	}
	sort.Strings(names)
	var changed []string
	for _, name := range names {
		if old, ok := f.files[name]; ok && old == cleaned[name] {
			continue
		}
		f.Set(name, cleaned[name])
		changed = append(changed, name)
	}
	return changed
}

// MarshalJSON encodes the set as an object in insertion order.
func (f *FileSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range f.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.files[name])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *FileSet) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*f = *FileSetFrom(m)
	return nil
}

type TestCase struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

type VerificationResult struct {
	Passed   bool       `json:"passed"`
	Cases    []TestCase `json:"cases"`
	Artifact string     `json:"artifact,omitempty"`
}

// Finalize recomputes Passed as the conjunction of all cases.
func (r *VerificationResult) Finalize() *VerificationResult {
	r.Passed = true
	for _, c := range r.Cases {
		if !c.Passed {
			r.Passed = false
			break
		}
	}
	return r
}

func (r *VerificationResult) Failed() []TestCase {
	var out []TestCase
	for _, c := range r.Cases {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

type ReviewResult struct {
	Passed         bool              `json:"passed"`
	Issues         []string          `json:"issues"`
	SuggestedFixes map[string]string `json:"suggested_fixes"`
}

// DefaultReview is the advisory pass used when a review cannot be read.
func DefaultReview() *ReviewResult {
	return &ReviewResult{Passed: true, Issues: []string{}, SuggestedFixes: map[string]string{}}
}

type RecordKind string

const (
	RecordSuccess RecordKind = "success"
	RecordFailure RecordKind = "failure"
)

// MemoryRecord is one terminal pipeline outcome. Never mutated after creation.
type MemoryRecord struct {
	ID        string     `json:"id"`
	Kind      RecordKind `json:"kind"`
	Task      string     `json:"task"`
	Plan      *Plan      `json:"plan"`
	Outcome   string     `json:"outcome"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type Success struct {
	Task      string    `json:"task"`
	URL       string    `json:"url"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const ScopeGlobal = "global"

// UserScope returns the preference scope for a user, or the global scope
// when the id is empty.
func UserScope(userID string) string {
	if userID == "" {
		return ScopeGlobal
	}
	return "user:" + userID
}

type Preference struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Workflow struct {
	Name       string          `json:"name"`
	UserID     string          `json:"user_id,omitempty"`
	Definition json.RawMessage `json:"definition"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
