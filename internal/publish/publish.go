// Package publish makes a verified artifact directory reachable by URL.
package publish

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Publisher uploads the static files in dir and returns their public URL.
type Publisher interface {
	Publish(ctx context.Context, dir, name string) (string, error)
}

// Error is a failed publish; Output carries what the provider printed.
type Error struct {
	Provider string
	Output   string
	Err      error
}

func (e *Error) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("publish via %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("publish via %s: %v: %s", e.Provider, e.Err, e.Output)
}

func (e *Error) Unwrap() error { return e.Err }

// LocalURL is where the server itself hosts a project's entry page.
func LocalURL(publicURL, projectID string) string {
	base := strings.TrimRight(publicURL, "/")
	return base + "/projects/" + url.PathEscape(projectID) + "/index.html"
}

const maxNameLen = 20

// ProjectName derives a deploy name from a plan goal: lower case, dashes
// for spaces, at most 20 characters.
func ProjectName(goal string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(goal)) {
		if b.Len() == maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "app"
	}
	return name
}
