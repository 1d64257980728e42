// Package rooms keeps the broadcast groups sessions subscribe to.
package rooms

import (
	"sort"
	"strings"
	"sync"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/session"
)

const orgPrefix = "org:"

// ResolveKey maps a caller supplied room name to the key it addresses for s.
//
// Names starting with "org:" must read exactly org:{org}:role:{ROLE}; the
// org must be the session's own and the role the session's own role. Any
// other name is an ad hoc room scoped to the session's organization.
func ResolveKey(s *session.Session, name string) (models.RoomKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.RoomKey{}, models.Errorf(models.ErrBadRequest, "empty room name")
	}
	if !strings.HasPrefix(name, orgPrefix) {
		return models.RoomKey{Org: s.OrganizationID(), Name: name}, nil
	}
	parts := strings.Split(name, ":")
	if len(parts) != 4 || parts[2] != "role" || parts[1] == "" {
		return models.RoomKey{}, models.Errorf(models.ErrBadRequest, "malformed room name %q", name)
	}
	role, ok := models.ParseRole(parts[3])
	if !ok {
		return models.RoomKey{}, models.Errorf(models.ErrBadRequest, "unknown role in room name %q", name)
	}
	if parts[1] != s.OrganizationID() {
		return models.RoomKey{}, models.Errorf(models.ErrCrossTenantJoin, "room %q belongs to another organization", name)
	}
	if role != s.Role() {
		return models.RoomKey{}, models.Errorf(models.ErrUnauthorized, "role %s may not join %q", s.Role(), name)
	}
	return models.RoleRoom(parts[1], role), nil
}

// Manager owns room membership. Rooms exist while they have members.
type Manager struct {
	mu    sync.RWMutex
	rooms map[models.RoomKey]map[string]*session.Session
}

func NewManager() *Manager {
	return &Manager{rooms: make(map[models.RoomKey]map[string]*session.Session)}
}

// Join adds s to the named room. Joining twice has no further effect.
func (m *Manager) Join(s *session.Session, name string) (models.RoomKey, error) {
	key, err := ResolveKey(s, name)
	if err != nil {
		return models.RoomKey{}, err
	}
	if key.Org != s.OrganizationID() {
		return models.RoomKey{}, models.Errorf(models.ErrCrossTenantJoin, "room %q belongs to another organization", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.AddRoom(key) {
		return models.RoomKey{}, models.Errorf(models.ErrNotFound, "connection %s is closed", s.ID)
	}
	members, ok := m.rooms[key]
	if !ok {
		members = make(map[string]*session.Session)
		m.rooms[key] = members
	}
	members[s.ID] = s
	return key, nil
}

// Leave removes s from the named room; unknown rooms and names are ignored.
func (m *Manager) Leave(s *session.Session, name string) {
	key, err := ResolveKey(s, name)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key, s)
	s.RemoveRoom(key)
}

// EvictAll removes s from every room and marks it closed so later joins fail.
func (m *Manager) EvictAll(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range s.Close() {
		m.removeLocked(key, s)
	}
}

func (m *Manager) removeLocked(key models.RoomKey, s *session.Session) {
	members, ok := m.rooms[key]
	if !ok {
		return
	}
	delete(members, s.ID)
	if len(members) == 0 {
		delete(m.rooms, key)
	}
}

// MembersOf returns a copy of the room's members, for fan-out only.
func (m *Manager) MembersOf(key models.RoomKey) []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedMembers(m.rooms[key])
}

// DispatcherMembers returns every session in org's dispatcher rooms, each
// once.
func (m *Manager) DispatcherMembers(org string) []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	union := make(map[string]*session.Session)
	for _, role := range models.DispatcherRoles {
		for id, s := range m.rooms[models.RoleRoom(org, role)] {
			union[id] = s
		}
	}
	return sortedMembers(union)
}

// Len returns the number of non-empty rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func sortedMembers(set map[string]*session.Session) []*session.Session {
	out := make([]*session.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
