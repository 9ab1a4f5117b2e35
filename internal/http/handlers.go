// Package httpapi exposes the dispatch engine over REST and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eventbus"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/settings"
)

type Server struct {
	Locations location.Store
	Registry  *registry.Registry
	Ledger    *ledger.Service
	Scheduler *dispatch.Scheduler
	Settings  *settings.Store
	Tokens    *auth.TokenManager
	Kafka     *ingest.KafkaProducer // optional
	Hub       *eventbus.Hub

	NearbyLimit int

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(s Server, logger *slog.Logger) *Server {
	srv := &s
	srv.logger = logger
	if srv.NearbyLimit <= 0 {
		srv.NearbyLimit = 8
	}
	srv.mux = mux.NewRouter()
	srv.registerMiddleware()
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.driverAuth(s.handleDriverLocation)).Methods("POST")
	s.mux.HandleFunc("/internal/driver/token", s.handleIssueToken).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/availability", s.driverAuth(s.handleAvailability)).Methods("POST")

	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.driverAuth(s.handleAcceptRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decline", s.driverAuth(s.handleDeclineRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.driverAuth(s.handleStartRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.driverAuth(s.handleCompleteRide)).Methods("POST")

	s.mux.HandleFunc("/api/v1/admin/rides/{ride_id}/assign", s.handleAdminAssign).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/settings", s.handleGetSettings).Methods("GET")
	s.mux.HandleFunc("/api/v1/admin/settings", s.handlePutSettings).Methods("PUT")

	s.mux.HandleFunc("/ws/rides/{ride_id}", s.handleRideWS)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.driverAuth(s.handleDriverWS))
	s.mux.HandleFunc("/ws/admin/map", s.handleAdminMapWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationPayload struct {
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	SpeedKmh   *float64 `json:"speed_kmh,omitempty"`
	AccuracyM  *float64 `json:"accuracy_m,omitempty"`
	RecordedAt int64    `json:"recorded_at"` // unix millis
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := driverIDFromContext(r.Context())
	var p locationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pos := models.DriverPosition{
		DriverID:   driverID,
		Loc:        models.Point{Lat: p.Lat, Lng: p.Lng},
		HeadingDeg: p.HeadingDeg,
		SpeedKmh:   p.SpeedKmh,
		AccuracyM:  p.AccuracyM,
		RecordedAt: time.UnixMilli(p.RecordedAt),
	}
	if err := s.Locations.Update(r.Context(), pos); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishPosition(pos); err != nil {
			s.logger.Warn("kafka publish failed", "driver_id", driverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	tok, err := s.Tokens.Issue(body.DriverID)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	radius := s.Settings.Get().MatchingRadiusKm
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := s.NearbyLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	hits, err := s.Locations.Nearby(r.Context(), models.Point{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]models.NearbyDriver, 0, len(hits))
	for _, h := range hits {
		st, err := s.Registry.Get(h.DriverID)
		if err != nil {
			continue
		}
		out = append(out, models.NearbyDriver{
			DriverID:                h.DriverID,
			DistanceKm:              h.DistanceKm,
			EstimatedArrivalMinutes: geo.ETAMinutes(h.DistanceKm, geo.DefaultSpeedKmh),
			Rating:                  st.Rating,
			TotalTrips:              st.CompletedTrips,
			Name:                    st.Profile.Name,
			Phone:                   st.Profile.Phone,
			CarModel:                st.Profile.CarModel,
			CarPlate:                st.Profile.CarPlate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out, "radius_km": radius})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if driverID != driverIDFromContext(r.Context()) {
		http.Error(w, "token does not match driver", http.StatusForbidden)
		return
	}
	var body struct {
		Availability models.Availability `json:"availability"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Registry.SetAvailability(r.Context(), driverID, body.Availability); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rideRequestPayload struct {
	PassengerID string       `json:"passenger_id"`
	Pickup      models.Point `json:"pickup"`
	Dropoff     models.Point `json:"dropoff"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var p rideRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.PassengerID == "" {
		http.Error(w, "passenger_id required", http.StatusBadRequest)
		return
	}
	ride, err := s.Ledger.Create(r.Context(), p.PassengerID, p.Pickup, p.Dropoff, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Scheduler.Schedule(ride)
	writeJSON(w, http.StatusAccepted, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Ledger.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Actor == "" {
		body.Actor = "passenger"
	}
	driverID, err := s.Ledger.Cancel(r.Context(), rideID, body.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Scheduler.CancelRide(rideID)
	if driverID != "" {
		s.Registry.Release(r.Context(), driverID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := driverIDFromContext(r.Context())
	if err := s.Scheduler.Confirm(r.Context(), rideID, driverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeclineRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := driverIDFromContext(r.Context())
	if err := s.Scheduler.Decline(r.Context(), rideID, driverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := driverIDFromContext(r.Context())
	if err := s.Ledger.Start(r.Context(), rideID, driverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	driverID := driverIDFromContext(r.Context())
	if err := s.Ledger.Complete(r.Context(), rideID, driverID); err != nil {
		s.writeError(w, err)
		return
	}
	s.Registry.RecordTrip(r.Context(), driverID)
	s.Registry.Release(r.Context(), driverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminAssign(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.Scheduler.AssignManual(r.Context(), rideID, body.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Settings.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var p settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.Apply(p))
}

func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	s.Hub.Serve(w, r, eventbus.ByRide(mux.Vars(r)["ride_id"]))
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if driverID != driverIDFromContext(r.Context()) {
		http.Error(w, "token does not match driver", http.StatusForbidden)
		return
	}
	s.Hub.Serve(w, r, eventbus.ByDriver(driverID))
}

func (s *Server) handleAdminMapWS(w http.ResponseWriter, r *http.Request) {
	s.Hub.Serve(w, r, eventbus.All)
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, registry.ErrUnknownDriver):
		status = http.StatusNotFound
	case errors.Is(err, location.ErrStaleSample),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrConflictingTransition),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrReservationLost),
		errors.Is(err, dispatch.ErrNoOutstandingOffer):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func driverIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(driverIDKey).(string); ok {
		return v
	}
	return ""
}
