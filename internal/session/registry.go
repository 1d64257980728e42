package session

import (
	"sync"

	"github.com/example/fleet-dispatch/internal/models"
)

// Evictor removes a session from every room it belongs to.
type Evictor interface {
	EvictAll(s *Session)
}

// Registry holds the live sessions keyed by connection id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	evictor  Evictor
	buffer   int
}

// NewRegistry creates a registry whose sessions queue up to buffer outbound
// messages.
func NewRegistry(evictor Evictor, buffer int) *Registry {
	return &Registry{sessions: make(map[string]*Session), evictor: evictor, buffer: buffer}
}

func (r *Registry) Register(connID string, ident models.Identity) (*Session, error) {
	if err := ident.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[connID]; ok {
		return nil, models.Errorf(models.ErrDuplicateConnection, "connection %s already registered", connID)
	}
	s := newSession(connID, ident, r.buffer)
	r.sessions[connID] = s
	return s, nil
}

func (r *Registry) Lookup(connID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return nil, models.Errorf(models.ErrNotFound, "connection %s", connID)
	}
	return s, nil
}

// Unregister removes the session and evicts it from all rooms under the
// registry lock. Unknown ids are ignored; the removed session is returned.
func (r *Registry) Unregister(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, connID)
	if r.evictor != nil {
		r.evictor.EvictAll(s)
	} else {
		s.Close()
	}
	s.Kill()
	return s, true
}

// IDs returns the ids of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
