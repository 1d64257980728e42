package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
)

func (f *fixture) status(t *testing.T, id string) models.TripStatus {
	t.Helper()
	tr, err := f.trips.GetTrip(context.Background(), id)
	require.NoError(t, err)
	return tr.Status
}

func TestStatusChangeByWrongDriverIsUnauthorized(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-2", Status: models.TripScheduled})
	a1 := f.connect(t, "demo", models.RoleAdmin, "")
	joinDispatcher(t, f.hub, a1)
	d1 := f.connect(t, "demo", models.RoleDriver, "drv-1")

	err := send(t, f.hub, d1, models.EventTripStatusChange, models.StatusChange{TripID: "t1", TargetStatus: models.TripInProgress})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	expectError(t, d1, models.ErrUnauthorized)
	assert.Equal(t, models.TripScheduled, f.status(t, "t1"))
	assertSilent(t, a1)
}

func TestDriverRunsAssignedTripAndDispatchersSeeIt(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1", Status: models.TripScheduled})
	a1 := f.connect(t, "demo", models.RoleAdmin, "")
	b1 := f.connect(t, "other", models.RoleAdmin, "")
	joinDispatcher(t, f.hub, a1)
	joinDispatcher(t, f.hub, b1)
	d1 := f.connect(t, "demo", models.RoleDriver, "drv-1")

	from := models.TripScheduled
	for _, target := range []models.TripStatus{models.TripInProgress, models.TripCompleted} {
		require.NoError(t, send(t, f.hub, d1, models.EventTripStatusChange, models.StatusChange{TripID: "t1", TargetStatus: target}))
		env := next(t, a1)
		assert.Equal(t, models.EventTripStatusUpdated, env.Event)
		var got models.TripStatusUpdated
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, models.TripStatusUpdated{TripID: "t1", From: from, Status: target}, got)
		from = target
	}
	assert.Equal(t, models.TripCompleted, f.status(t, "t1"))
	assertSilent(t, b1)
	assertSilent(t, d1)

	require.Len(t, f.events.trips, 2)
	assert.Equal(t, models.TripScheduled, f.events.trips[0].From)
	assert.Equal(t, models.RoleDriver, f.events.trips[1].ChangedBy)

	err := send(t, f.hub, a1, models.EventTripStatusChange, models.StatusChange{TripID: "t1", TargetStatus: models.TripCancelled})
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "completed trips are terminal")
	expectError(t, a1, models.ErrIllegalTransition)
	assert.Equal(t, models.TripCompleted, f.status(t, "t1"))
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1"})
	a1 := f.connect(t, "demo", models.RoleAdmin, "")

	_, err := f.hub.ChangeTripStatus(context.Background(), a1.Identity, "t1", models.TripCompleted)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
	assert.Equal(t, models.TripPendingApproval, f.status(t, "t1"))
	assert.Empty(t, f.events.trips)
}

func TestOtherTenantsTripLooksMissing(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1", Status: models.TripScheduled})
	b1 := f.connect(t, "other", models.RoleAdmin, "")

	err := send(t, f.hub, b1, models.EventTripStatusChange, models.StatusChange{TripID: "t1", TargetStatus: models.TripCancelled})
	assert.ErrorIs(t, err, models.ErrNotFound)
	expectError(t, b1, models.ErrNotFound)
	assert.Equal(t, models.TripScheduled, f.status(t, "t1"))

	err = send(t, f.hub, b1, models.EventTripStatusChange, models.StatusChange{TripID: "nope", TargetStatus: models.TripCancelled})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDriverCannotCancel(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1", Status: models.TripScheduled})
	d1 := f.connect(t, "demo", models.RoleDriver, "drv-1")
	_, err := f.hub.ChangeTripStatus(context.Background(), d1.Identity, "t1", models.TripCancelled)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, models.TripScheduled, f.status(t, "t1"))
}

func TestApprovalRequiresAssignedDriver(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo"})
	staff := models.Identity{OrganizationID: "demo", Role: models.RoleStaff}

	_, err := f.hub.ChangeTripStatus(context.Background(), staff, "t1", models.TripScheduled)
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1"})
	ev, err := f.hub.ChangeTripStatus(context.Background(), staff, "t1", models.TripScheduled)
	require.NoError(t, err)
	assert.Equal(t, models.TripPendingApproval, ev.From)
	assert.Equal(t, models.TripScheduled, ev.Status)
}

func TestStatusChangeValidatesInput(t *testing.T) {
	f := newFixture(t, 8)
	f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1", Status: models.TripScheduled})
	admin := models.Identity{OrganizationID: "demo", Role: models.RoleAdmin}

	_, err := f.hub.ChangeTripStatus(context.Background(), admin, "", models.TripInProgress)
	assert.ErrorIs(t, err, models.ErrBadRequest)
	_, err = f.hub.ChangeTripStatus(context.Background(), admin, "t1", "PARKED")
	assert.ErrorIs(t, err, models.ErrBadRequest)
	_, err = f.hub.ChangeTripStatus(context.Background(), models.Identity{Role: models.RoleAdmin}, "t1", models.TripInProgress)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, models.TripScheduled, f.status(t, "t1"))
}

func TestConcurrentStatusChangesBroadcastInCommitOrder(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, 8)
		f.trips.SaveTrip(models.Trip{ID: "t1", OrganizationID: "demo", DriverID: "drv-1", Status: models.TripScheduled})
		a1 := f.connect(t, "demo", models.RoleAdmin, "")
		joinDispatcher(t, f.hub, a1)
		driver := models.Identity{OrganizationID: "demo", Role: models.RoleDriver, DriverID: "drv-1"}
		admin := models.Identity{OrganizationID: "demo", Role: models.RoleAdmin}

		var wg sync.WaitGroup
		for _, step := range []struct {
			actor  models.Identity
			target models.TripStatus
		}{{driver, models.TripInProgress}, {admin, models.TripCompleted}} {
			wg.Add(1)
			go func(actor models.Identity, target models.TripStatus) {
				defer wg.Done()
				_, _ = f.hub.ChangeTripStatus(context.Background(), actor, "t1", target)
			}(step.actor, step.target)
		}
		wg.Wait()

		// Each broadcast must start where the previous one ended.
		prev := models.TripScheduled
		for {
			select {
			case raw := <-a1.Outbound():
				var env models.Envelope
				require.NoError(t, json.Unmarshal(raw, &env))
				var got models.TripStatusUpdated
				require.NoError(t, json.Unmarshal(env.Data, &got))
				require.Equal(t, prev, got.From)
				prev = got.Status
				continue
			default:
			}
			break
		}
		assert.Equal(t, f.status(t, "t1"), prev)
	}
}
