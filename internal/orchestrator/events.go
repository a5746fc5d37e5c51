package orchestrator

import (
	"context"
	"sync"

	"github.com/example/app-orchestrator/internal/models"
)

// Emitter delivers progress events to the client that started a session.
// An error means the client is gone; the engine stops emitting to it.
type Emitter interface {
	Emit(ctx context.Context, ev models.Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev models.Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev models.Event) error { return f(ctx, ev) }

// Subscription receives a copy of a session's events. C is closed after the
// terminal event or when Close is called.
type Subscription struct {
	C <-chan models.Event

	ch        chan models.Event
	hub       *Hub
	sessionID string
	once      sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.sessionID, s)
}

// Hub fans session events out to observers other than the originating
// client. Delivery is best effort: a full subscriber misses events rather
// than stalling the pipeline.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*Subscription]struct{}{}, buffer: 64}
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan models.Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, sessionID: sessionID}
	h.mu.Lock()
	set := h.subs[sessionID]
	if set == nil {
		set = map[*Subscription]struct{}{}
		h.subs[sessionID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish never blocks. A terminal event closes every subscription for
// the session after delivery.
func (h *Hub) Publish(sessionID string, ev models.Event) {
	h.mu.RLock()
	for s := range h.subs[sessionID] {
		select {
		case s.ch <- ev:
		default:
		}
	}
	h.mu.RUnlock()

	if ev.Terminal() {
		h.mu.Lock()
		set := h.subs[sessionID]
		delete(h.subs, sessionID)
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
		h.mu.Unlock()
	}
}

// Subscribers reports how many observers a session has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *Hub) remove(sessionID string, s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	s.once.Do(func() { close(s.ch) })
}
