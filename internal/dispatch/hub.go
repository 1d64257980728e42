// Package dispatch is the hub: it validates inbound socket events against the
// session registry and trip state machine, applies them, and fans the results
// out to the organization's dispatcher rooms.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleet-dispatch/internal/ingest"
	"github.com/example/fleet-dispatch/internal/location"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
	"github.com/example/fleet-dispatch/internal/rooms"
	"github.com/example/fleet-dispatch/internal/session"
	"github.com/example/fleet-dispatch/internal/storage"
	"github.com/example/fleet-dispatch/internal/trip"
)

type Options struct {
	// SendBuffer bounds each session's outbound queue.
	SendBuffer int
	// Events, if set, receives every accepted location and trip transition.
	Events ingest.Publisher
	Logger *slog.Logger
}

type Hub struct {
	sessions  *session.Registry
	rooms     *rooms.Manager
	locations location.Cache
	trips     storage.TripStore
	events    ingest.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// tripLocks stripes trip ids so status changes of one trip are serialized.
	tripLocks [64]sync.Mutex
}

func NewHub(locations location.Cache, trips storage.TripStore, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	rm := rooms.NewManager()
	return &Hub{
		sessions:  session.NewRegistry(rm, opts.SendBuffer),
		rooms:     rm,
		locations: locations,
		trips:     trips,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Connect registers a new session for an authenticated identity.
func (h *Hub) Connect(ident models.Identity) (*session.Session, error) {
	s, err := h.sessions.Register(uuid.NewString(), ident)
	if err != nil {
		return nil, err
	}
	observability.ConnectionsOpen.Inc()
	h.logger.Info("ws_connected", "conn_id", s.ID, "org", ident.OrganizationID, "role", ident.Role, "driver_id", ident.DriverID)
	return s, nil
}

// Disconnect unregisters the session and evicts it from every room. Unknown
// or already disconnected ids are ignored.
func (h *Hub) Disconnect(connID string) {
	s, ok := h.sessions.Unregister(connID)
	if !ok {
		return
	}
	observability.ConnectionsOpen.Dec()
	observability.RoomsActive.Set(float64(h.rooms.Len()))
	h.logger.Info("ws_disconnected", "conn_id", connID, "org", s.OrganizationID())
}

// Shutdown disconnects every live session.
func (h *Hub) Shutdown() {
	for _, id := range h.sessions.IDs() {
		h.Disconnect(id)
	}
}

// HandleMessage decodes a raw frame and handles it.
func (h *Hub) HandleMessage(ctx context.Context, s *session.Session, raw []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		err = models.Errorf(models.ErrBadRequest, "malformed envelope")
		h.reject(s, "", err)
		observability.EventsTotal.WithLabelValues("unknown", models.KindOf(err)).Inc()
		return err
	}
	return h.Handle(ctx, s, env)
}

// Handle validates and applies one inbound event. Failures are reported to s
// only; a panic is converted into an Internal reply.
func (h *Hub) Handle(ctx context.Context, s *session.Session, env models.Envelope) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic recovered", "conn_id", s.ID, "event", env.Event, "error", rec)
			err = models.Errorf(models.ErrInternal, "%v", rec)
		}
		outcome := "ok"
		if err != nil {
			outcome = models.KindOf(err)
			h.reject(s, env.Event, err)
		}
		label := env.Event
		if !knownEvent(label) {
			label = "unknown"
		}
		observability.EventsTotal.WithLabelValues(label, outcome).Inc()
		observability.EventDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	switch env.Event {
	case models.EventJoinRoom:
		var name string
		if err := decode(env.Data, &name); err != nil {
			return err
		}
		return h.join(ctx, s, name)
	case models.EventLeaveRoom:
		var name string
		if err := decode(env.Data, &name); err != nil {
			return err
		}
		h.rooms.Leave(s, name)
		observability.RoomsActive.Set(float64(h.rooms.Len()))
		h.logger.Debug("room_left", "conn_id", s.ID, "room", name, "rooms", s.Rooms())
		return nil
	case models.EventUpdateLocation:
		var u models.LocationUpdate
		if err := decode(env.Data, &u); err != nil {
			return err
		}
		return h.updateLocation(ctx, s, u)
	case models.EventTripStatusChange:
		var c models.StatusChange
		if err := decode(env.Data, &c); err != nil {
			return err
		}
		_, err := h.ChangeTripStatus(ctx, s.Identity, c.TripID, c.TargetStatus)
		return err
	default:
		return models.Errorf(models.ErrBadRequest, "unknown event %q", env.Event)
	}
}

func knownEvent(e string) bool {
	switch e {
	case models.EventJoinRoom, models.EventLeaveRoom, models.EventUpdateLocation, models.EventTripStatusChange:
		return true
	}
	return false
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return models.Errorf(models.ErrBadRequest, "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.Errorf(models.ErrBadRequest, "invalid payload: %v", err)
	}
	return nil
}

func (h *Hub) join(ctx context.Context, s *session.Session, name string) error {
	key, err := h.rooms.Join(s, name)
	if err != nil {
		return err
	}
	observability.RoomsActive.Set(float64(h.rooms.Len()))
	h.logger.Debug("room_joined", "conn_id", s.ID, "room", key.String(), "rooms", s.Rooms())
	if !key.IsDispatcher() {
		return nil
	}
	snap, err := h.locations.SnapshotForOrganization(ctx, key.Org)
	if err != nil {
		return fmt.Errorf("location snapshot for %s: %w", key.Org, err)
	}
	if snap == nil {
		snap = []models.DriverLocationRecord{}
	}
	msg, err := models.Encode(models.EventLocationSnapshot, snap)
	if err != nil {
		return err
	}
	h.deliver(s, models.EventLocationSnapshot, msg)
	return nil
}

func (h *Hub) updateLocation(ctx context.Context, s *session.Session, u models.LocationUpdate) error {
	if s.Role() != models.RoleDriver || u.DriverID == "" || u.DriverID != s.DriverID() {
		return models.Errorf(models.ErrUnauthorized, "session may not report location for driver %q", u.DriverID)
	}
	p := models.Point{Lat: u.Lat, Lng: u.Lng}
	if !p.Valid() {
		return models.Errorf(models.ErrBadRequest, "coordinate out of range")
	}
	rec, err := h.locations.Update(ctx, u.DriverID, s.OrganizationID(), p, u.Status)
	if err != nil {
		return err
	}
	h.broadcast(s.OrganizationID(), models.EventDriverLocationUpdated, u)
	if h.events != nil {
		if err := h.events.PublishLocation(ctx, rec); err != nil {
			observability.PublishErrors.WithLabelValues("location").Inc()
			h.logger.Warn("publish_location_failed", "driver_id", rec.DriverID, "error", err)
		}
	}
	return nil
}

// ChangeTripStatus applies a validated transition on behalf of actor and
// broadcasts the new status to the trip's organization.
func (h *Hub) ChangeTripStatus(ctx context.Context, actor models.Identity, tripID string, target models.TripStatus) (models.TripStatusEvent, error) {
	if err := actor.Validate(); err != nil {
		return models.TripStatusEvent{}, err
	}
	if tripID == "" {
		return models.TripStatusEvent{}, models.Errorf(models.ErrBadRequest, "missing trip id")
	}
	t, err := h.trips.GetTrip(ctx, tripID)
	if err != nil {
		return models.TripStatusEvent{}, err
	}
	if t.OrganizationID != actor.OrganizationID {
		// Indistinguishable from an unknown trip so ids do not leak across tenants.
		return models.TripStatusEvent{}, models.Errorf(models.ErrNotFound, "trip %s", tripID)
	}
	if !actor.Role.IsDispatcher() && (actor.DriverID == "" || actor.DriverID != t.DriverID) {
		return models.TripStatusEvent{}, models.Errorf(models.ErrUnauthorized, "trip %s is not assigned to driver %s", tripID, actor.DriverID)
	}
	if err := trip.Transition(t, trip.ActorFor(actor), target); err != nil {
		return models.TripStatusEvent{}, err
	}

	// Hold the trip's lock across the write and the broadcast so dispatchers
	// see this replica's transitions of one trip in commit order.
	mu := h.tripLock(t.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := h.trips.UpdateStatus(ctx, t.ID, t.Status, target); err != nil {
		return models.TripStatusEvent{}, err
	}
	ev := models.TripStatusEvent{
		TripID:         t.ID,
		OrganizationID: t.OrganizationID,
		From:           t.Status,
		Status:         target,
		ChangedBy:      actor.Role,
		At:             h.now().UTC(),
	}
	h.logger.Info("trip_status_changed", "trip_id", ev.TripID, "org", ev.OrganizationID, "from", ev.From, "to", ev.Status, "by", ev.ChangedBy)
	h.broadcast(t.OrganizationID, models.EventTripStatusUpdated, models.TripStatusUpdated{TripID: t.ID, From: t.Status, Status: target})
	if h.events != nil {
		if err := h.events.PublishTripStatus(ctx, ev); err != nil {
			observability.PublishErrors.WithLabelValues("trip").Inc()
			h.logger.Warn("publish_trip_status_failed", "trip_id", ev.TripID, "error", err)
		}
	}
	return ev, nil
}

func (h *Hub) tripLock(id string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return &h.tripLocks[f.Sum32()%uint32(len(h.tripLocks))]
}

// broadcast queues one message for every dispatcher of org. Members whose
// queue cannot take it are disconnected after the loop.
func (h *Hub) broadcast(org, event string, payload any) {
	msg, err := models.Encode(event, payload)
	if err != nil {
		h.logger.Error("broadcast_encode_failed", "event", event, "error", err)
		return
	}
	var dead []string
	for _, m := range h.rooms.DispatcherMembers(org) {
		if m.Enqueue(msg) {
			observability.BroadcastDeliveries.WithLabelValues(event).Inc()
			continue
		}
		observability.BroadcastDrops.WithLabelValues(event).Inc()
		dead = append(dead, m.ID)
	}
	for _, id := range dead {
		h.logger.Warn("broadcast_dropped", "conn_id", id, "event", event)
		h.Disconnect(id)
	}
}

// deliver queues msg for s alone, disconnecting it if the queue is full.
func (h *Hub) deliver(s *session.Session, event string, msg []byte) {
	if s.Enqueue(msg) {
		return
	}
	observability.BroadcastDrops.WithLabelValues(event).Inc()
	h.logger.Warn("unicast_dropped", "conn_id", s.ID, "event", event)
	h.Disconnect(s.ID)
}

func (h *Hub) reject(s *session.Session, event string, err error) {
	kind := models.KindOf(err)
	message := err.Error()
	if kind == models.ErrInternal.Error() {
		h.logger.Error("event_failed", "conn_id", s.ID, "event", event, "error", err)
		message = "internal error"
	} else {
		h.logger.Info("event_rejected", "conn_id", s.ID, "event", event, "kind", kind, "error", err)
	}
	msg, encErr := models.Encode(models.EventError, models.ErrorAck{Kind: kind, Message: message, Event: event})
	if encErr != nil {
		return
	}
	if !s.Enqueue(msg) {
		h.logger.Debug("error_ack_dropped", "conn_id", s.ID, "event", event)
	}
}
