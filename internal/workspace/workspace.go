// Package workspace owns the per-project artifact directories.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/example/app-orchestrator/internal/models"
)

var (
	ErrNotFound    = errors.New("workspace: project not found")
	ErrInvalidName = errors.New("workspace: invalid name")
)

// ScreenshotFile is written next to the artifact by the verifier. Drivers
// may swap the extension; Load skips any root file with this stem.
const ScreenshotFile = "screenshot.png"

// webExts are the files read back for repair and review.
var webExts = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".mjs": true,
	".json": true, ".svg": true, ".txt": true, ".md": true,
}

// Store maps project ids to directories under Root.
type Store struct {
	Root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Store{Root: abs}, nil
}

// NewProjectID returns an 8 character id.
func NewProjectID() string {
	return uuid.NewString()[:8]
}

// Dir returns the directory for id without touching the filesystem.
func (s *Store) Dir(id string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("%w: project id %q", ErrInvalidName, id)
	}
	return filepath.Join(s.Root, id), nil
}

// Create makes the project directory.
func (s *Store) Create(id string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project %s: %w", id, err)
	}
	return dir, nil
}

// Exists reports whether the project directory is present.
func (s *Store) Exists(id string) bool {
	dir, err := s.Dir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Write stores the named files into the project, creating it if needed.
// Every name is validated before anything is written.
func (s *Store) Write(id string, files map[string]string) error {
	for name := range files {
		if _, err := cleanName(name); err != nil {
			return err
		}
	}
	dir, err := s.Create(id)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rel, _ := cleanName(name)
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the project's web files, keyed by slash-separated relative path.
func (s *Store) Load(id string) (*models.FileSet, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return nil, err
	}
	if !s.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := models.NewFileSet()
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		if !webExts[strings.ToLower(filepath.Ext(path))] || isScreenshot(rel) {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out.Set(filepath.ToSlash(rel), string(b))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", id, err)
	}
	return out, nil
}

func isScreenshot(rel string) bool {
	stem := strings.TrimSuffix(ScreenshotFile, filepath.Ext(ScreenshotFile))
	return rel == stem+filepath.Ext(rel)
}

func validID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// cleanName rejects absolute paths and anything escaping the project.
func cleanName(name string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	slashed := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	}
	clean := filepath.FromSlash(models.CleanName(slashed))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the project", ErrInvalidName, name)
	}
	return clean, nil
}
