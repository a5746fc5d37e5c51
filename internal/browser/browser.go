// Package browser opens generated artifacts in a page the verifier can probe.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Driver opens an artifact directory. Implementations must be safe for
// concurrent use; each Page belongs to one caller.
type Driver interface {
	Open(ctx context.Context, dir string) (Page, error)
	Close() error
}

// Page is a loaded artifact. Selectors are CSS selectors; nth is zero-based.
type Page interface {
	Count(selector string) (int, error)
	Fill(selector string, nth int, text string) error
	Click(selector string, nth int) error
	Reload() error
	// Settle waits for the page to react to the previous action.
	Settle(d time.Duration) error
	// Screenshot writes a capture near path and returns the file written.
	Screenshot(path string) (string, error)
	Close() error
}

// EntryFile is the document loaded from an artifact directory.
const EntryFile = "index.html"

var ErrNoEntry = errors.New("browser: artifact has no " + EntryFile)

// ErrNoElement is returned when nth exceeds the matches for a selector.
var ErrNoElement = errors.New("browser: no such element")

func entryPath(dir string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(dir, EntryFile))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w in %s", ErrNoEntry, dir)
		}
		return "", err
	}
	return abs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
