package models

import "time"

// Role is the authenticated role of a connected session.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleStaff  Role = "STAFF"
	RoleDriver Role = "DRIVER"
)

// ParseRole returns the role named by s, or false if s is not a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleAdmin, RoleStaff, RoleDriver:
		return r, true
	}
	return "", false
}

// IsDispatcher reports whether the role watches the fleet (ADMIN or STAFF).
func (r Role) IsDispatcher() bool { return r == RoleAdmin || r == RoleStaff }

// DispatcherRoles lists the roles whose rooms receive fleet broadcasts.
var DispatcherRoles = []Role{RoleAdmin, RoleStaff}

// Identity is the authentication fact supplied at connection time.
// DriverID is set iff Role is DRIVER.
type Identity struct {
	OrganizationID string `json:"organizationId"`
	Role           Role   `json:"role"`
	DriverID       string `json:"driverId,omitempty"`
}

// Validate checks the identity is internally consistent.
func (id Identity) Validate() error {
	if id.OrganizationID == "" {
		return Errorf(ErrUnauthorized, "missing organization")
	}
	if _, ok := ParseRole(string(id.Role)); !ok {
		return Errorf(ErrUnauthorized, "unknown role %q", id.Role)
	}
	if (id.Role == RoleDriver) != (id.DriverID != "") {
		return Errorf(ErrUnauthorized, "driver id must be set iff role is DRIVER")
	}
	return nil
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is a real coordinate.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DriverLocationRecord is the latest known point of a driver.
type DriverLocationRecord struct {
	DriverID       string    `json:"driverId"`
	OrganizationID string    `json:"organizationId"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (r DriverLocationRecord) Point() Point { return Point{Lat: r.Lat, Lng: r.Lng} }

// TripStatus is the operational state of a trip.
type TripStatus string

const (
	TripPendingApproval TripStatus = "PENDING_APPROVAL"
	TripScheduled       TripStatus = "SCHEDULED"
	TripInProgress      TripStatus = "IN_PROGRESS"
	TripCompleted       TripStatus = "COMPLETED"
	TripCancelled       TripStatus = "CANCELLED"
)

func ParseTripStatus(s string) (TripStatus, bool) {
	switch st := TripStatus(s); st {
	case TripPendingApproval, TripScheduled, TripInProgress, TripCompleted, TripCancelled:
		return st, true
	}
	return "", false
}

// IsTerminal reports whether no transition may leave the status.
func (s TripStatus) IsTerminal() bool { return s == TripCompleted || s == TripCancelled }

// Trip is owned by the CRUD layer; only Status is mutated here.
type Trip struct {
	ID             string
	OrganizationID string
	DriverID       string // empty when unassigned
	Status         TripStatus
	UpdatedAt      time.Time
}

// TripStatusEvent is emitted after every accepted transition.
type TripStatusEvent struct {
	TripID         string     `json:"tripId"`
	OrganizationID string     `json:"organizationId"`
	From           TripStatus `json:"from"`
	Status         TripStatus `json:"status"`
	ChangedBy      Role       `json:"changedBy"`
	At             time.Time  `json:"at"`
}
