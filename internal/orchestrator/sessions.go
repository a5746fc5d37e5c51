package orchestrator

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSessionActive is returned when a session id is reused while the
// earlier run with that id is still in progress.
var ErrSessionActive = errors.New("orchestrator: session already running")

// State is a step of the pipeline state machine.
type State string

const (
	StatePlanning   State = "planning"
	StateGenerating State = "generating"
	StateVerifying  State = "verifying"
	StateRepairing  State = "repairing"
	StateReviewing  State = "reviewing"
	StatePublishing State = "publishing"
	StateRecording  State = "recording"
	StateComplete   State = "complete"
	StateErrored    State = "errored"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool { return s == StateComplete || s == StateErrored }

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	UserID    string    `json:"user_id,omitempty"`
	State     State     `json:"state"`
	ProjectID string    `json:"project_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Passed    bool      `json:"passed"`
	Repairs   int       `json:"repairs"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// registry tracks running and recently finished sessions. Finished
// sessions beyond max are forgotten oldest first.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
	max      int
}

func newRegistry(max int) *registry {
	if max <= 0 {
		max = 256
	}
	return &registry{sessions: map[string]*SessionInfo{}, max: max}
}

func (r *registry) begin(id, task, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && !s.State.Terminal() {
		return ErrSessionActive
	}
	now := timeNow()
	r.sessions[id] = &SessionInfo{ID: id, Task: task, UserID: userID, State: StatePlanning, StartedAt: now, UpdatedAt: now}
	r.evictLocked()
	return nil
}

func (r *registry) update(id string, fn func(*SessionInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		fn(s)
		s.UpdatedAt = timeNow()
	}
}

func (r *registry) get(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// list returns sessions newest first.
func (r *registry) list() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (r *registry) evictLocked() {
	if len(r.sessions) <= r.max {
		return
	}
	var done []*SessionInfo
	for _, s := range r.sessions {
		if s.State.Terminal() {
			done = append(done, s)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].UpdatedAt.Before(done[j].UpdatedAt) })
	for _, s := range done {
		if len(r.sessions) <= r.max {
			return
		}
		delete(r.sessions, s.ID)
	}
}

var timeNow = time.Now
