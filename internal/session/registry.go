package session

import (
	"fmt"
	"sort"
	"sync"

	"orchestra/internal/agent"
)

// entry guards one session. Mutations for a session hold its entry lock;
// sessions never share a lock.
type entry struct {
	mu       sync.Mutex
	s        Session
	delivery agent.Delivery
}

// Registry holds the live sessions. It is created by the caller and passed
// to the components that need session lookups.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Get returns a copy of the session with id.
func (r *Registry) Get(id string) (Session, bool) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), true
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// add inserts e unless the id is taken or max (when positive) is reached.
func (r *Registry) add(e *entry, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.sessions) >= max {
		return ErrMaxSessions
	}
	if _, ok := r.sessions[e.s.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", ErrSpawnFailed, e.s.ID)
	}
	r.sessions[e.s.ID] = e
	return nil
}

func (r *Registry) remove(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[id]
	delete(r.sessions, id)
	return e
}
