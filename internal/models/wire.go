package models

import "encoding/json"

// Inbound event names.
const (
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventUpdateLocation   = "update_location"
	EventTripStatusChange = "trip_status_change"
)

// Outbound event names.
const (
	EventDriverLocationUpdated = "driver_location_updated"
	EventLocationSnapshot      = "location_snapshot"
	EventTripStatusUpdated     = "trip_status_updated"
	EventError                 = "error"
)

// Envelope frames every message on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type LocationUpdate struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Status   string  `json:"status"`
}

type StatusChange struct {
	TripID       string     `json:"tripId"`
	TargetStatus TripStatus `json:"targetStatus"`
}

// TripStatusUpdated carries the previous status so clients can discard a
// notification that arrives after a later one for the same trip.
type TripStatusUpdated struct {
	TripID string     `json:"tripId"`
	From   TripStatus `json:"from,omitempty"`
	Status TripStatus `json:"status"`
}

// ErrorAck is returned to the originating connection only.
type ErrorAck struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// Encode frames payload as an outbound envelope.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
