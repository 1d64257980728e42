package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/fleet-dispatch/internal/models"
)

// updateScript writes a driver record and indexes it under its organization.
// It returns 0 when the stored organization differs, and 2 when ARGV[8] is
// "1" and the stored record is not older than ARGV[6] (unix microseconds).
var updateScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'org', 'updated_us')
if cur[1] and cur[1] ~= ARGV[1] then
	return 0
end
if ARGV[8] == '1' and cur[2] and tonumber(cur[2]) >= tonumber(ARGV[6]) then
	return 2
end
redis.call('HSET', KEYS[1], 'org', ARGV[1], 'lat', ARGV[2], 'lng', ARGV[3], 'status', ARGV[4], 'updated', ARGV[5], 'updated_us', ARGV[6])
redis.call('SADD', KEYS[2], ARGV[7])
return 1
`)

// RedisCache implements Cache on Redis hashes so several hub instances can
// share the latest positions.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisCache) driverKey(id string) string { return r.prefix + "driver:" + id }
func (r *RedisCache) orgKey(org string) string   { return r.prefix + "org:" + org + ":drivers" }

func (r *RedisCache) Update(ctx context.Context, driverID, orgID string, p models.Point, status string) (models.DriverLocationRecord, error) {
	rec := models.DriverLocationRecord{
		DriverID:       driverID,
		OrganizationID: orgID,
		Lat:            p.Lat,
		Lng:            p.Lng,
		Status:         status,
		UpdatedAt:      r.now().UTC(),
	}
	if _, err := r.write(ctx, rec, false); err != nil {
		return models.DriverLocationRecord{}, err
	}
	return rec, nil
}

// Project stores rec only if it is newer than the stored record, keeping
// rec.UpdatedAt. It reports whether the write was applied.
func (r *RedisCache) Project(ctx context.Context, rec models.DriverLocationRecord) (bool, error) {
	return r.write(ctx, rec, true)
}

func (r *RedisCache) write(ctx context.Context, rec models.DriverLocationRecord, ordered bool) (bool, error) {
	mode := "0"
	if ordered {
		mode = "1"
	}
	ts := rec.UpdatedAt.UTC()
	res, err := updateScript.Run(ctx, r.client,
		[]string{r.driverKey(rec.DriverID), r.orgKey(rec.OrganizationID)},
		rec.OrganizationID,
		strconv.FormatFloat(rec.Lat, 'f', -1, 64),
		strconv.FormatFloat(rec.Lng, 'f', -1, 64),
		rec.Status,
		ts.Format(time.RFC3339Nano),
		strconv.FormatInt(ts.UnixMicro(), 10),
		rec.DriverID,
		mode,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis location update: %w", err)
	}
	switch res {
	case 0:
		return false, models.Errorf(models.ErrOrganizationMismatch, "driver %s belongs to another organization", rec.DriverID)
	case 2:
		return false, nil
	}
	return true, nil
}

func (r *RedisCache) Get(ctx context.Context, driverID string) (models.DriverLocationRecord, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(driverID)).Result()
	if err != nil {
		return models.DriverLocationRecord{}, fmt.Errorf("redis location get: %w", err)
	}
	if len(m) == 0 {
		return models.DriverLocationRecord{}, models.Errorf(models.ErrNotFound, "no location for driver %s", driverID)
	}
	return decodeRecord(driverID, m)
}

func (r *RedisCache) SnapshotForOrganization(ctx context.Context, orgID string) ([]models.DriverLocationRecord, error) {
	ids, err := r.client.SMembers(ctx, r.orgKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot members: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.driverKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis snapshot records: %w", err)
	}
	out := make([]models.DriverLocationRecord, 0, len(ids))
	for i, id := range ids {
		m := cmds[i].Val()
		if len(m) == 0 {
			continue
		}
		rec, err := decodeRecord(id, m)
		if err != nil || rec.OrganizationID != orgID {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisCache) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func decodeRecord(driverID string, m map[string]string) (models.DriverLocationRecord, error) {
	rec := models.DriverLocationRecord{DriverID: driverID, OrganizationID: m["org"], Status: m["status"]}
	var err error
	if rec.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return rec, fmt.Errorf("driver %s lat: %w", driverID, err)
	}
	if rec.Lng, err = strconv.ParseFloat(m["lng"], 64); err != nil {
		return rec, fmt.Errorf("driver %s lng: %w", driverID, err)
	}
	if v := m["updated"]; v != "" {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return rec, fmt.Errorf("driver %s updated: %w", driverID, err)
		}
	}
	return rec, nil
}
