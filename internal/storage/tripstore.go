package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// TripStore is the view of the CRUD layer's trips the hub needs: lookup for
// ownership checks and a compare-and-set on status.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	// UpdateStatus moves the trip from -> to. It fails with
	// ErrIllegalTransition if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to models.TripStatus) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip)}
}

// SaveTrip inserts or replaces a trip; used by tests and local runs.
func (m *MemoryStore) SaveTrip(t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = models.TripPendingApproval
	}
	m.trips[t.ID] = t
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, models.Errorf(models.ErrNotFound, "trip %s", id)
	}
	return t, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Errorf(models.ErrNotFound, "trip %s", id)
	}
	if t.Status != from {
		return models.Errorf(models.ErrIllegalTransition, "trip %s is %s, not %s", id, t.Status, from)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	m.trips[id] = t
	return nil
}
