package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/example/app-orchestrator/internal/logging"
	"github.com/example/app-orchestrator/internal/models"
)

const (
	collSuccesses = "successes"
	collFailures  = "failures"
)

// VectorStore indexes task text in chromem collections and keeps the
// authoritative records, preferences and workflows in SQLite.
type VectorStore struct {
	db        *chromem.DB
	successes *chromem.Collection
	failures  *chromem.Collection
	sql       *sql.DB
	log       *zap.Logger

	// writes go through one lock so the index and the table stay in step
	mu sync.Mutex
}

// OpenVector opens (or creates) the store rooted at dir.
func OpenVector(dir string, embed chromem.EmbeddingFunc, logger *zap.Logger) (*VectorStore, error) {
	if embed == nil {
		return nil, errors.New("memory: embedding function is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	vdb, err := chromem.NewPersistentDB(filepath.Join(dir, "index"), false)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	succ, err := vdb.GetOrCreateCollection(collSuccesses, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", collSuccesses, err)
	}
	fail, err := vdb.GetOrCreateCollection(collFailures, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", collFailures, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "memory.db")+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &VectorStore{
		db:        vdb,
		successes: succ,
		failures:  fail,
		sql:       db,
		log:       logging.OrNop(logger).Named("memory"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *VectorStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		task TEXT NOT NULL,
		plan TEXT,
		outcome TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS workflows (
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		definition TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_memory_records_kind_created ON memory_records(kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records(user_id);
	`
	_, err := s.sql.Exec(schema)
	return err
}

func (s *VectorStore) Mode() string { return ModeVector }

func (s *VectorStore) RecordSuccess(ctx context.Context, task string, plan *models.Plan, url, userID string) error {
	return s.add(ctx, models.RecordSuccess, task, plan, url, userID)
}

func (s *VectorStore) RecordFailure(ctx context.Context, task string, plan *models.Plan, errMsg, userID string) error {
	return s.add(ctx, models.RecordFailure, task, plan, errMsg, userID)
}

func (s *VectorStore) add(ctx context.Context, kind models.RecordKind, task string, plan *models.Plan, outcome, userID string) error {
	if strings.TrimSpace(task) == "" {
		return ErrEmptyTask
	}
	planJSON := ""
	if plan != nil {
		b, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		planJSON = string(b)
	}
	id := uuid.NewString()
	now := timeNow().UTC()

	coll := s.successes
	if kind == models.RecordFailure {
		coll = s.failures
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := chromem.Document{
		ID:      id,
		Content: task,
		Metadata: map[string]string{
			"plan":    planJSON,
			"outcome": outcome,
			"user_id": userID,
		},
	}
	if err := coll.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index %s record: %w", kind, err)
	}
	_, err := s.sql.ExecContext(ctx,
		`INSERT INTO memory_records (id, kind, task, plan, outcome, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(kind), task, planJSON, outcome, userID, now.UnixNano())
	if err != nil {
		if derr := coll.Delete(ctx, nil, nil, id); derr != nil {
			s.log.Warn("failed to roll back index entry", zap.String("id", id), zap.Error(derr))
		}
		return fmt.Errorf("insert %s record: %w", kind, err)
	}
	s.log.Debug("recorded outcome", zap.String("kind", string(kind)), zap.String("id", id))
	return nil
}

func (s *VectorStore) query(ctx context.Context, coll *chromem.Collection, task string, limit int) ([]chromem.Result, error) {
	if limit <= 0 || strings.TrimSpace(task) == "" {
		return nil, nil
	}
	// chromem requires nResults <= document count
	n := coll.Count()
	if n == 0 {
		return nil, nil
	}
	if limit > n {
		limit = n
	}
	res, err := coll.Query(ctx, task, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll.Name, err)
	}
	return res, nil
}

func (s *VectorStore) SimilarPlans(ctx context.Context, task string, limit int) ([]*models.Plan, error) {
	res, err := s.query(ctx, s.successes, task, limit)
	if err != nil {
		return nil, err
	}
	var plans []*models.Plan
	for _, r := range res {
		raw := r.Metadata["plan"]
		if raw == "" {
			continue
		}
		var p models.Plan
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.log.Warn("skipping unreadable stored plan", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		plans = append(plans, &p)
	}
	return plans, nil
}

func (s *VectorStore) SimilarFailures(ctx context.Context, task string, limit int) ([]string, error) {
	res, err := s.query(ctx, s.failures, task, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res))
	for _, r := range res {
		out = append(out, r.Metadata["outcome"])
	}
	return out, nil
}

func (s *VectorStore) ListSuccesses(ctx context.Context, userID string, limit int) ([]models.Success, error) {
	q := `SELECT task, outcome, user_id, created_at FROM memory_records WHERE kind = ?`
	args := []any{string(models.RecordSuccess)}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list successes: %w", err)
	}
	defer rows.Close()

	var out []models.Success
	for rows.Next() {
		var (
			row models.Success
			ts  int64
		)
		if err := rows.Scan(&row.Task, &row.URL, &row.UserID, &ts); err != nil {
			return nil, err
		}
		row.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *VectorStore) GetPreference(ctx context.Context, scope, key string) (string, bool, error) {
	var v string
	err := s.sql.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE scope = ? AND key = ?`, scope, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference: %w", err)
	}
	return v, true, nil
}

func (s *VectorStore) SetPreference(ctx context.Context, scope, key, value string) error {
	if scope == "" || key == "" {
		return ErrInvalidScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO preferences (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, key, value, timeNow().UnixNano())
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

func (s *VectorStore) Preferences(ctx context.Context, scope string) (map[string]string, error) {
	rows, err := s.sql.QueryContext(ctx, `SELECT key, value FROM preferences WHERE scope = ? ORDER BY key`, scope)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *VectorStore) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf == nil || wf.Name == "" {
		return errors.New("memory: workflow name is required")
	}
	def := wf.Definition
	if len(def) == 0 {
		def = json.RawMessage("{}")
	}
	if !json.Valid(def) {
		return errors.New("memory: workflow definition is not valid JSON")
	}
	now := timeNow().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.sql.ExecContext(ctx, `
		INSERT INTO workflows (user_id, name, definition, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		wf.UserID, wf.Name, string(def), now.UnixNano())
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	wf.UpdatedAt = now
	return nil
}

func (s *VectorStore) GetWorkflow(ctx context.Context, userID, name string) (*models.Workflow, error) {
	var (
		def string
		ts  int64
	)
	err := s.sql.QueryRowContext(ctx,
		`SELECT definition, updated_at FROM workflows WHERE user_id = ? AND name = ?`, userID, name).Scan(&def, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &models.Workflow{
		Name:       name,
		UserID:     userID,
		Definition: json.RawMessage(def),
		UpdatedAt:  time.Unix(0, ts).UTC(),
	}, nil
}

func (s *VectorStore) Close() error {
	return s.sql.Close()
}
