package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleet-dispatch/internal/auth"
	"github.com/example/fleet-dispatch/internal/dispatch"
	"github.com/example/fleet-dispatch/internal/logging"
	"github.com/example/fleet-dispatch/internal/models"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Hub            *dispatch.Hub
	Auth           *auth.Verifier
	Conn           dispatch.ConnConfig
	AllowedOrigins []string
	Checks         map[string]Pinger
	Logger         *slog.Logger
}

type Server struct {
	hub      *dispatch.Hub
	auth     *auth.Verifier
	conn     dispatch.ConnConfig
	checks   map[string]Pinger
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
	handler  http.Handler
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Server{
		hub:    opts.Hub,
		auth:   opts.Auth,
		conn:   opts.Conn,
		checks: opts.Checks,
		logger: opts.Logger,
		mux:    mux.NewRouter(),
	}
	s.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	origins := []string{"*"}
	if len(opts.AllowedOrigins) > 0 {
		origins = opts.AllowedOrigins
		s.upgrader.CheckOrigin = originChecker(opts.AllowedOrigins)
	}
	s.registerMiddleware()
	s.routes()
	s.handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
	)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/status", s.handleTripStatus).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) identify(r *http.Request) (models.Identity, error) {
	tok, err := auth.TokenFromRequest(r)
	if err != nil {
		return models.Identity{}, models.Errorf(models.ErrUnauthorized, "%v", err)
	}
	return s.auth.Verify(tok)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Info("ws_upgrade_failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		return
	}
	if err := s.hub.Serve(r.Context(), conn, ident, s.conn); err != nil {
		s.logger.Info("ws_closed", "org", ident.OrganizationID, "role", ident.Role, "error", err)
	}
}

type statusRequest struct {
	Status models.TripStatus `json:"status"`
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.Errorf(models.ErrBadRequest, "invalid body: %v", err))
		return
	}
	ev, err := s.hub.ChangeTripStatus(r.Context(), ident, mux.Vars(r)["trip_id"], req.Status)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ev)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("readiness_check_failed", "dependency", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	ack := models.ErrorAck{Kind: models.KindOf(err), Message: err.Error()}
	if code == http.StatusInternalServerError {
		ack.Message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ack)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
