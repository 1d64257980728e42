package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-dispatch/internal/location"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/models"
)

// fakeProjector fails the first fail calls, then delegates to an in-memory cache.
type fakeProjector struct {
	fail  int
	calls int
	err   error
	cache *location.MemoryCache
}

func (f *fakeProjector) Project(ctx context.Context, rec models.DriverLocationRecord) (bool, error) {
	f.calls++
	if f.calls <= f.fail {
		return false, f.err
	}
	return f.cache.Project(ctx, rec)
}

var rec = models.DriverLocationRecord{
	DriverID: "d1", OrganizationID: "o1", Lat: 1, Lng: 2, Status: "AVAILABLE",
	UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
}

func TestUpdateCacheWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeProjector{fail: 2, err: errors.New("redis down"), cache: location.NewMemoryCache()}
	start := time.Now()
	applied, err := updateCacheWithRetry(context.Background(), f, rec, 3, 10*time.Millisecond)
	if err != nil || !applied {
		t.Fatalf("expected applied write, got applied=%v err=%v", applied, err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
	if _, err := f.cache.Get(context.Background(), "d1"); err != nil {
		t.Fatalf("record not written: %v", err)
	}
}

func TestUpdateCacheWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeProjector{fail: 5, err: errors.New("redis down"), cache: location.NewMemoryCache()}
	if _, err := updateCacheWithRetry(context.Background(), f, rec, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpdateCacheWithRetry_OrganizationMismatchIsFinal(t *testing.T) {
	f := &fakeProjector{fail: 5, err: models.Errorf(models.ErrOrganizationMismatch, "driver d1"), cache: location.NewMemoryCache()}
	_, err := updateCacheWithRetry(context.Background(), f, rec, 3, time.Millisecond)
	if !errors.Is(err, models.ErrOrganizationMismatch) {
		t.Fatalf("expected OrganizationMismatch, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("mismatch must not be retried, got %d calls", f.calls)
	}
}

func TestDecodeLocation(t *testing.T) {
	cases := map[string]bool{
		`{"driverId":"d1","organizationId":"o1","lat":1,"lng":2,"updatedAt":"2026-01-02T03:04:05Z"}`:  true,
		`{"driverId":"d1","organizationId":"o1","lat":1,"lng":2}`:                                     false,
		`{"driverId":"d1","lat":1,"lng":2,"updatedAt":"2026-01-02T03:04:05Z"}`:                        false,
		`{"driverId":"d1","organizationId":"o1","lat":91,"lng":2,"updatedAt":"2026-01-02T03:04:05Z"}`: false,
		`not json`: false,
	}
	for in, ok := range cases {
		_, err := decodeLocation([]byte(in))
		if (err == nil) != ok {
			t.Errorf("decodeLocation(%s) err=%v, want ok=%v", in, err, ok)
		}
	}
}

type sliceReader struct {
	msgs   [][]byte
	cancel context.CancelFunc
}

func (s *sliceReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return kafka.Message{Value: m}, nil
}

func sameRecord(a, b models.DriverLocationRecord) bool {
	return a.DriverID == b.DriverID && a.OrganizationID == b.OrganizationID &&
		a.Point() == b.Point() && a.Status == b.Status && a.UpdatedAt.Equal(b.UpdatedAt)
}

func encode(t *testing.T, r models.DriverLocationRecord) []byte {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestConsumeProjectsValidMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := location.NewMemoryCache()

	later := rec
	later.Lat, later.Lng, later.Status = 3, 4, "BUSY"
	later.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	foreign := later
	foreign.OrganizationID = "o2"
	foreign.UpdatedAt = later.UpdatedAt.Add(time.Second)

	r := &sliceReader{cancel: cancel, msgs: [][]byte{
		encode(t, rec),
		[]byte(`garbage`),
		encode(t, later),
		encode(t, foreign),
	}}
	consume(ctx, r, cache, logging.Discard())

	got, err := cache.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sameRecord(got, later) {
		t.Fatalf("unexpected record %+v", got)
	}
}

// The hub writes the live cache first and publishes afterwards, so a lagging
// replay must never move a driver back to an older point.
func TestConsumeReplayDoesNotRegressLiveCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared := location.NewMemoryCache()

	p1, err := shared.Update(ctx, "d1", "o1", models.Point{Lat: 1, Lng: 1}, "IDLE")
	if err != nil {
		t.Fatalf("update p1: %v", err)
	}
	time.Sleep(time.Millisecond)
	p2, err := shared.Update(ctx, "d1", "o1", models.Point{Lat: 2, Lng: 2}, "ENROUTE")
	if err != nil {
		t.Fatalf("update p2: %v", err)
	}

	consume(ctx, &sliceReader{cancel: cancel, msgs: [][]byte{encode(t, p1)}}, shared, logging.Discard())

	got, err := shared.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sameRecord(got, p2) {
		t.Fatalf("replay regressed the cache: got %+v, want %+v", got, p2)
	}
}
