package session

import (
	"context"
	"sync"

	"alertdesk/internal/event"
)

// Hub tracks live sessions so server-side events can wake them.
type Hub struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	onCount  func(int)
}

// NewHub returns an empty hub. onCount, if set, observes the live session count.
func NewHub(cfg Config, onCount func(int)) *Hub {
	return &Hub{cfg: cfg, sessions: map[string]*Session{}, onCount: onCount}
}

// Config returns the settings new sessions should start with.
func (h *Hub) Config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.count(n)
}

func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	n := len(h.sessions)
	h.mu.Unlock()
	h.count(n)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// NotifyAll asks every session for an immediate check.
func (h *Hub) NotifyAll() {
	for _, s := range h.snapshot() {
		s.Notify()
	}
}

// OnCreated adapts NotifyAll to the scheduler hook signature.
func (h *Hub) OnCreated(_ context.Context, created []event.Event) {
	if len(created) > 0 {
		h.NotifyAll()
	}
}

// Apply stores cfg for new sessions and pushes it to live ones.
func (h *Hub) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	for _, s := range h.snapshot() {
		s.Apply(cfg)
	}
}

// CloseAll closes every session and empties the hub.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.sessions = map[string]*Session{}
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	h.count(0)
}

func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) count(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}
