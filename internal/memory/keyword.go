package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/app-orchestrator/internal/models"
)

// KeywordStore keeps records in process memory and matches a query when the
// first PrefixLen characters of its task occur, case-insensitively, in a
// stored task. Preferences and workflows are not kept in this mode.
type KeywordStore struct {
	prefixLen int

	mu      sync.RWMutex
	records []models.MemoryRecord
}

func NewKeywordStore(prefixLen int) *KeywordStore {
	if prefixLen <= 0 {
		prefixLen = 10
	}
	return &KeywordStore{prefixLen: prefixLen}
}

func (s *KeywordStore) Mode() string { return ModeKeyword }

func (s *KeywordStore) RecordSuccess(ctx context.Context, task string, plan *models.Plan, url, userID string) error {
	return s.add(models.RecordSuccess, task, plan, url, userID)
}

func (s *KeywordStore) RecordFailure(ctx context.Context, task string, plan *models.Plan, errMsg, userID string) error {
	return s.add(models.RecordFailure, task, plan, errMsg, userID)
}

func (s *KeywordStore) add(kind models.RecordKind, task string, plan *models.Plan, outcome, userID string) error {
	if strings.TrimSpace(task) == "" {
		return ErrEmptyTask
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, models.MemoryRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		Task:      task,
		Plan:      plan,
		Outcome:   outcome,
		UserID:    userID,
		Timestamp: timeNow().UTC(),
	})
	return nil
}

func (s *KeywordStore) matching(kind models.RecordKind, task string, limit int) []models.MemoryRecord {
	needle := strings.ToLower(prefix(task, s.prefixLen))
	if needle == "" || limit <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MemoryRecord
	for _, r := range s.records {
		if r.Kind != kind || !strings.Contains(strings.ToLower(r.Task), needle) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (s *KeywordStore) SimilarPlans(ctx context.Context, task string, limit int) ([]*models.Plan, error) {
	var plans []*models.Plan
	for _, r := range s.matching(models.RecordSuccess, task, limit) {
		if r.Plan != nil {
			plans = append(plans, r.Plan)
		}
	}
	return plans, nil
}

func (s *KeywordStore) SimilarFailures(ctx context.Context, task string, limit int) ([]string, error) {
	var out []string
	for _, r := range s.matching(models.RecordFailure, task, limit) {
		out = append(out, r.Outcome)
	}
	return out, nil
}

func (s *KeywordStore) ListSuccesses(ctx context.Context, userID string, limit int) ([]models.Success, error) {
	s.mu.RLock()
	var out []models.Success
	// walk backwards so equal timestamps keep newest-inserted first
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.Kind != models.RecordSuccess || (userID != "" && r.UserID != userID) {
			continue
		}
		out = append(out, models.Success{Task: r.Task, URL: r.Outcome, UserID: r.UserID, Timestamp: r.Timestamp})
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *KeywordStore) GetPreference(ctx context.Context, scope, key string) (string, bool, error) {
	return "", false, nil
}

func (s *KeywordStore) SetPreference(ctx context.Context, scope, key, value string) error {
	return nil
}

func (s *KeywordStore) Preferences(ctx context.Context, scope string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *KeywordStore) SaveWorkflow(ctx context.Context, wf *models.Workflow) error { return nil }

func (s *KeywordStore) GetWorkflow(ctx context.Context, userID, name string) (*models.Workflow, error) {
	return nil, nil
}

func (s *KeywordStore) Close() error { return nil }

func prefix(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
