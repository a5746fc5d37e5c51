// Package memory records pipeline outcomes and retrieves similar past work.
//
// Two modes share the Store interface: VectorStore ranks by embedding
// similarity, KeywordStore matches on a task prefix. The mode is chosen once
// by Open.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/example/app-orchestrator/internal/models"
)

// Store is the associative memory used by the planner and the engine.
type Store interface {
	RecordSuccess(ctx context.Context, task string, plan *models.Plan, url, userID string) error
	RecordFailure(ctx context.Context, task string, plan *models.Plan, errMsg, userID string) error

	// SimilarPlans returns plans of successful runs, most relevant first.
	SimilarPlans(ctx context.Context, task string, limit int) ([]*models.Plan, error)
	// SimilarFailures returns failure outcomes, most relevant first.
	SimilarFailures(ctx context.Context, task string, limit int) ([]string, error)
	// ListSuccesses filters by userID when non-empty, newest first. A
	// non-positive limit returns everything.
	ListSuccesses(ctx context.Context, userID string, limit int) ([]models.Success, error)

	GetPreference(ctx context.Context, scope, key string) (string, bool, error)
	SetPreference(ctx context.Context, scope, key, value string) error
	Preferences(ctx context.Context, scope string) (map[string]string, error)

	SaveWorkflow(ctx context.Context, wf *models.Workflow) error
	// GetWorkflow returns nil and no error when the workflow does not exist.
	GetWorkflow(ctx context.Context, userID, name string) (*models.Workflow, error)

	Mode() string
	Close() error
}

const (
	ModeVector  = "vector"
	ModeKeyword = "keyword"
)

var (
	ErrEmptyTask    = errors.New("memory: task is empty")
	ErrInvalidScope = errors.New("memory: scope and key are required")
)

var timeNow = time.Now
