// Package location keeps the last known point of every driver.
package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// Cache is the store of latest driver positions. Updates are last write wins
// in arrival order; a driver's organization never changes.
type Cache interface {
	Update(ctx context.Context, driverID, orgID string, p models.Point, status string) (models.DriverLocationRecord, error)
	Get(ctx context.Context, driverID string) (models.DriverLocationRecord, error)
	SnapshotForOrganization(ctx context.Context, orgID string) ([]models.DriverLocationRecord, error)
}

// Projector applies records produced elsewhere, ignoring any that are not
// newer than what is already stored.
type Projector interface {
	Project(ctx context.Context, rec models.DriverLocationRecord) (bool, error)
}

type MemoryCache struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocationRecord
	byOrg   map[string]map[string]struct{}
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		drivers: make(map[string]models.DriverLocationRecord),
		byOrg:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (c *MemoryCache) Update(_ context.Context, driverID, orgID string, p models.Point, status string) (models.DriverLocationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.drivers[driverID]; ok && prev.OrganizationID != orgID {
		return models.DriverLocationRecord{}, models.Errorf(models.ErrOrganizationMismatch, "driver %s belongs to another organization", driverID)
	}
	rec := models.DriverLocationRecord{
		DriverID:       driverID,
		OrganizationID: orgID,
		Lat:            p.Lat,
		Lng:            p.Lng,
		Status:         status,
		UpdatedAt:      c.now().UTC(),
	}
	c.store(rec)
	return rec, nil
}

// store requires c.mu held for writing.
func (c *MemoryCache) store(rec models.DriverLocationRecord) {
	c.drivers[rec.DriverID] = rec
	set, ok := c.byOrg[rec.OrganizationID]
	if !ok {
		set = make(map[string]struct{})
		c.byOrg[rec.OrganizationID] = set
	}
	set[rec.DriverID] = struct{}{}
}

func (c *MemoryCache) Project(_ context.Context, rec models.DriverLocationRecord) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.drivers[rec.DriverID]
	if ok && prev.OrganizationID != rec.OrganizationID {
		return false, models.Errorf(models.ErrOrganizationMismatch, "driver %s belongs to another organization", rec.DriverID)
	}
	if ok && !rec.UpdatedAt.After(prev.UpdatedAt) {
		return false, nil
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	c.store(rec)
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, driverID string) (models.DriverLocationRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.drivers[driverID]
	if !ok {
		return models.DriverLocationRecord{}, models.Errorf(models.ErrNotFound, "no location for driver %s", driverID)
	}
	return rec, nil
}

// SnapshotForOrganization returns a copy of the org's records ordered by
// driver id.
func (c *MemoryCache) SnapshotForOrganization(_ context.Context, orgID string) ([]models.DriverLocationRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.DriverLocationRecord, 0, len(c.byOrg[orgID]))
	for id := range c.byOrg[orgID] {
		out = append(out, c.drivers[id])
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []models.DriverLocationRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].DriverID < recs[j].DriverID })
}
