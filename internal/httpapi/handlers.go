package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Coord     *dispatch.Coordinator
	Directory directory.Directory
	Registry  *realtime.Registry
	Kafka     *ingest.KafkaProducer

	mux    *mux.Router
	logger *slog.Logger
}

// NewServer wires explicit dependencies; tests use it directly.
func NewServer(coord *dispatch.Coordinator, dir directory.Directory, reg *realtime.Registry, kp *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{Coord: coord, Directory: dir, Registry: reg, Kafka: kp, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromConfig builds the production wiring: redis directory and
// postgres store when configured, in-memory fallbacks otherwise.
func NewServerFromConfig(cfg config.ServerConfig) *Server {
	logger := logging.NewLogger(cfg.LogLevel)

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		dir = directory.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		dir = directory.NewIndex()
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	reg := realtime.NewRegistry()
	gw := push.NewFCMGateway(cfg.FCMEndpoint, cfg.FCMKey)
	coord := dispatch.NewCoordinator(dir, gw, reg, store, logging.ForComponent(logger, "dispatch"),
		cfg.OfferWindow, cfg.PresenceMaxAge, cfg.MaxCandidates)

	return NewServer(coord, dir, reg, kp, logger)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/progress", s.handleProgress).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleRideStatus).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/push-token", s.handlePushToken).Methods("POST")
	s.mux.HandleFunc("/internal/test/accept-ride", s.handleSimulatedAccept).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/rider/{rider_id}", s.handleRiderWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RiderID == "" {
		http.Error(w, "rider_id is required", http.StatusBadRequest)
		return
	}
	rd, err := s.Coord.Request(r.Context(), req)
	if err != nil {
		s.logger.Error("ride request failed", "rider_id", req.RiderID, "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rd.ID, "status": rd.Status})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	out, rd, err := s.Coord.Accept(r.Context(), rideID, body.DriverID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	resp := map[string]any{"outcome": out}
	if out == dispatch.OutcomeAccepted && rd != nil {
		resp["ride"] = rd
	}
	writeJSON(w, acceptStatus(out), resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RiderID == "" {
		http.Error(w, "rider_id is required", http.StatusBadRequest)
		return
	}
	out, err := s.Coord.Cancel(r.Context(), rideID, body.RiderID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, cancelStatus(out), map[string]any{"outcome": out})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		DriverID string            `json:"driver_id"`
		Status   models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id and status are required", http.StatusBadRequest)
		return
	}
	rd, err := s.Coord.Progress(r.Context(), rideID, body.DriverID, body.Status)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Coord.Status(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var hb models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if hb.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	// publish to kafka if configured; the consumer keeps replicas warm
	if s.Kafka != nil {
		if err := s.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Error("heartbeat publish", "driver_id", hb.ID, "error", err)
		}
	}
	if err := s.Directory.Heartbeat(r.Context(), hb); err != nil {
		s.logger.Error("heartbeat upsert", "driver_id", hb.ID, "error", err)
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Token    string `json:"fcm_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" || body.Token == "" {
		http.Error(w, "driver_id and fcm_token are required", http.StatusBadRequest)
		return
	}
	if err := s.Directory.SetPushToken(r.Context(), body.DriverID, body.Token); err != nil {
		http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
		return
	}
	// registering a token also marks the driver reachable/available,
	// matching the driver app's expectation on login
	if err := s.Directory.SetStatus(r.Context(), body.DriverID, models.DriverAvailable); err != nil {
		s.logger.Error("mark available", "driver_id", body.DriverID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": body.DriverID, "token_updated": true})
}

// handleSimulatedAccept is a diagnostic entry point. It only emits a
// marked event to the rider's live session; it must never mutate rides,
// presence or earnings.
func (s *Server) handleSimulatedAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RideID     string `json:"ride_id"`
		DriverID   string `json:"driver_id"`
		DriverName string `json:"driver_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RideID == "" {
		http.Error(w, "ride_id is required", http.StatusBadRequest)
		return
	}
	profile := models.DriverProfile{ID: body.DriverID, Name: body.DriverName}
	if profile.ID == "" {
		profile.ID = "test-driver"
	}
	delivered := true
	if err := s.Coord.SimulateAccept(r.Context(), body.RideID, profile); err != nil {
		if !errors.Is(err, realtime.ErrNoSession) {
			s.writeDispatchError(w, err)
			return
		}
		delivered = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"simulated": true, "ride_id": body.RideID, "delivered": delivered})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Registry.Add(realtime.RoleDriver, id, conn)
	if err := s.Directory.SetSession(r.Context(), id, newID()); err != nil {
		s.logger.Error("record session", "driver_id", id, "error", err)
	}
	go s.readUntilClose(conn, realtime.RoleDriver, id)
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Registry.Add(realtime.RoleRider, id, conn)
	go s.readUntilClose(conn, realtime.RoleRider, id)
}

// readUntilClose drains the connection so pings are handled, then
// deregisters the session on error/close.
func (s *Server) readUntilClose(conn *websocket.Conn, role realtime.Role, id string) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.Registry.Remove(role, id, conn)
	_ = conn.Close()
	if role == realtime.RoleDriver {
		if err := s.Directory.SetSession(context.Background(), id, ""); err != nil {
			s.logger.Debug("clear session", "driver_id", id, "error", err)
		}
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var inv *ride.ErrInvalidTransition
	switch {
	case errors.Is(err, dispatch.ErrUnknownRide), errors.Is(err, dispatch.ErrUnknownDriver):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNotRequester), errors.Is(err, dispatch.ErrNotYourRide):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.As(err, &inv):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("dispatch error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// acceptStatus maps the dispatch outcome of an accept attempt: a win is
// 200, losing the race is 409, an offer that is no longer open
// (expired, cancelled, no drivers) is 410.
func acceptStatus(out dispatch.Outcome) int {
	switch out {
	case dispatch.OutcomeAccepted:
		return http.StatusOK
	case dispatch.OutcomeAlreadyTaken, dispatch.OutcomeTooLate:
		return http.StatusConflict
	default:
		return http.StatusGone
	}
}

func cancelStatus(out dispatch.Outcome) int {
	if out == dispatch.OutcomeTooLate {
		return http.StatusConflict
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
