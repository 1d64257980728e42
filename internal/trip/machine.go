// Package trip defines the legal lifecycle of a trip. It performs no I/O.
package trip

import (
	"strings"

	"github.com/example/fleet-dispatch/internal/models"
)

// Actor is whoever asks for a transition.
type Actor struct {
	Role     models.Role
	DriverID string
}

func ActorFor(id models.Identity) Actor { return Actor{Role: id.Role, DriverID: id.DriverID} }

func (a Actor) assignedTo(t models.Trip) bool {
	return a.Role == models.RoleDriver && a.DriverID != "" && a.DriverID == t.DriverID
}

type edge struct{ from, to models.TripStatus }

type guard func(t models.Trip, a Actor) error

func requireAssignedDriver(t models.Trip, _ Actor) error {
	if t.DriverID == "" {
		return models.Errorf(models.ErrIllegalTransition, "trip %s has no assigned driver", t.ID)
	}
	return nil
}

func requireDriverOrDispatcher(t models.Trip, a Actor) error {
	if a.Role.IsDispatcher() || a.assignedTo(t) {
		return nil
	}
	return models.Errorf(models.ErrUnauthorized, "only the assigned driver or a dispatcher may move trip %s", t.ID)
}

func requireDispatcher(t models.Trip, a Actor) error {
	if a.Role.IsDispatcher() {
		return nil
	}
	return models.Errorf(models.ErrUnauthorized, "only a dispatcher may cancel trip %s", t.ID)
}

var transitions = map[edge]guard{
	{models.TripPendingApproval, models.TripScheduled}: requireAssignedDriver,
	{models.TripScheduled, models.TripInProgress}:      requireDriverOrDispatcher,
	{models.TripInProgress, models.TripCompleted}:      requireDriverOrDispatcher,
	{models.TripPendingApproval, models.TripCancelled}: requireDispatcher,
	{models.TripScheduled, models.TripCancelled}:       requireDispatcher,
	{models.TripInProgress, models.TripCancelled}:      requireDispatcher,
}

// Transition checks whether a may move t to target. It never changes t.
func Transition(t models.Trip, a Actor, target models.TripStatus) error {
	if _, ok := models.ParseTripStatus(string(target)); !ok {
		return models.Errorf(models.ErrBadRequest, "unknown trip status %q", target)
	}
	g, ok := transitions[edge{t.Status, target}]
	if !ok {
		return models.Errorf(models.ErrIllegalTransition, "%s -> %s (allowed from %s: %s)", t.Status, target, t.Status, allowed(t.Status))
	}
	return g(t, a)
}

func allowed(s models.TripStatus) string {
	next := Next(s)
	if len(next) == 0 {
		return "none"
	}
	parts := make([]string, len(next))
	for i, st := range next {
		parts[i] = string(st)
	}
	return strings.Join(parts, ", ")
}

// Next lists the statuses reachable from s in one step.
func Next(s models.TripStatus) []models.TripStatus {
	var out []models.TripStatus
	for _, to := range []models.TripStatus{models.TripScheduled, models.TripInProgress, models.TripCompleted, models.TripCancelled} {
		if _, ok := transitions[edge{s, to}]; ok {
			out = append(out, to)
		}
	}
	return out
}
