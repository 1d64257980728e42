package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
)

func TestMemoryStoreCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1"})

	got, err := s.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripPendingApproval, got.Status)

	require.NoError(t, s.UpdateStatus(ctx, "t1", models.TripPendingApproval, models.TripScheduled))
	err = s.UpdateStatus(ctx, "t1", models.TripPendingApproval, models.TripCancelled)
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "stale from status must lose")

	got, err = s.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripScheduled, got.Status)

	_, err = s.GetTrip(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", models.TripScheduled, models.TripInProgress), models.ErrNotFound)
}

type flakyStore struct {
	err   error
	calls int
}

func (f *flakyStore) GetTrip(context.Context, string) (models.Trip, error) {
	f.calls++
	return models.Trip{}, f.err
}

func (f *flakyStore) UpdateStatus(context.Context, string, models.TripStatus, models.TripStatus) error {
	f.calls++
	return f.err
}

func TestBreakerOpensOnInfrastructureErrors(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{err: errors.New("connection refused")}
	b := NewBreakerStore(inner, NewCircuitBreaker("trips-test-infra", nil))
	for i := 0; i < 3; i++ {
		_, err := b.GetTrip(ctx, "t1")
		require.Error(t, err)
	}
	_, err := b.GetTrip(ctx, "t1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, models.ErrInternal.Error(), models.KindOf(err))
}

func TestBreakerIgnoresValidationErrors(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{err: models.Errorf(models.ErrNotFound, "trip t1")}
	b := NewBreakerStore(inner, NewCircuitBreaker("trips-test-validation", nil))
	for i := 0; i < 5; i++ {
		_, err := b.GetTrip(ctx, "t1")
		assert.ErrorIs(t, err, models.ErrNotFound)
	}
	inner.err = models.Errorf(models.ErrIllegalTransition, "stale")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.UpdateStatus(ctx, "t1", models.TripScheduled, models.TripInProgress), models.ErrIllegalTransition)
	}
	assert.Equal(t, 10, inner.calls)
}
