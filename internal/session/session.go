package session

import (
	"sort"
	"sync"

	"github.com/example/fleet-dispatch/internal/models"
)

// Session is one live connection and the identity it authenticated with.
type Session struct {
	ID       string
	Identity models.Identity

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	rooms  map[models.RoomKey]struct{}
}

func newSession(id string, ident models.Identity, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		ID:       id,
		Identity: ident,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		rooms:    make(map[models.RoomKey]struct{}),
	}
}

func (s *Session) OrganizationID() string { return s.Identity.OrganizationID }
func (s *Session) Role() models.Role      { return s.Identity.Role }
func (s *Session) DriverID() string       { return s.Identity.DriverID }

// Enqueue queues msg for the connection writer without blocking. It returns
// false when the session is closed or its queue is full.
func (s *Session) Enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Outbound is drained by the connection writer.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session is killed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Kill signals the connection to shut down. Safe to call repeatedly.
func (s *Session) Kill() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Rooms returns the wire names of the rooms the session is in, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for k := range s.rooms {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// The methods below are called by rooms.Manager while it holds its own lock.

// AddRoom records membership; it fails once the session has been closed.
func (s *Session) AddRoom(k models.RoomKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.rooms[k] = struct{}{}
	return true
}

func (s *Session) RemoveRoom(k models.RoomKey) {
	s.mu.Lock()
	delete(s.rooms, k)
	s.mu.Unlock()
}

// Close marks the session closed and returns the rooms it was in.
func (s *Session) Close() []models.RoomKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	out := make([]models.RoomKey, 0, len(s.rooms))
	for k := range s.rooms {
		out = append(out, k)
	}
	s.rooms = make(map[models.RoomKey]struct{})
	return out
}
