package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"

	"github.com/example/campus-ride-matching/internal/eta"
	"github.com/example/campus-ride-matching/internal/geo"
	"github.com/example/campus-ride-matching/internal/ledger"
	"github.com/example/campus-ride-matching/internal/models"
	"github.com/example/campus-ride-matching/internal/queue"
	"github.com/example/campus-ride-matching/internal/storage"
)

// Deps are the components the HTTP surface reads from.
type Deps struct {
	Store          storage.Store
	Queue          *queue.Manager
	Ledger         *ledger.Ledger
	Geo            geo.Geo
	ETA            eta.Client
	WS             http.Handler
	Checks         map[string]func(context.Context) error
	LocationMaxAge time.Duration
	Logger         *slog.Logger
}

type Server struct {
	store          storage.Store
	queue          *queue.Manager
	ledger         *ledger.Ledger
	geo            geo.Geo
	eta            eta.Client
	ws             http.Handler
	checks         map[string]func(context.Context) error
	locationMaxAge time.Duration
	logger         *slog.Logger
	mux            *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:          d.Store,
		queue:          d.Queue,
		ledger:         d.Ledger,
		geo:            d.Geo,
		eta:            d.ETA,
		ws:             d.WS,
		checks:         d.Checks,
		locationMaxAge: d.LocationMaxAge,
		logger:         d.Logger,
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()
	api.HandleFunc("/points", s.handlePoints).Methods("GET")
	api.HandleFunc("/points/counts", s.handlePointCounts).Methods("GET")
	api.HandleFunc("/points/{name}/drivers", s.handlePointDrivers).Methods("GET")
	api.HandleFunc("/users/{id}/request", s.handleActiveRequest).Methods("GET")
	api.HandleFunc("/drivers", s.handleDrivers).Methods("GET")
	api.HandleFunc("/drivers/{id}", s.handleDriver).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.Handle("/ws", s.ws).Methods("GET")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type pointView struct {
	models.PickupPoint
	Pending int `json:"pending"`
}

type driverView struct {
	*models.User
	CurrentRides []*models.RideRequest `json:"currentRides"`
}

type nearbyDriver struct {
	models.DriverLocationMsg
	DistanceM  float64 `json:"distanceM"`
	ETASeconds float64 `json:"etaSeconds,omitempty"`
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	points := s.queue.Points()
	out := make([]pointView, 0, len(points))
	for _, p := range points {
		out = append(out, pointView{PickupPoint: p, Pending: s.queue.Len(p.Name)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePointCounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Counts())
}

// handlePointDrivers lists drivers near a pickup point, closest first.
func (s *Server) handlePointDrivers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.queue.Point(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrUnknownPoint.Error())
		return
	}
	radius, limit := 2000.0, 10
	if v := r.URL.Query().Get("radius"); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "radius must be a positive number of meters")
			return
		}
		radius = f
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	near, err := s.geo.Nearby(r.Context(), p.Lat, p.Lon, radius, limit)
	if err != nil {
		s.logger.Error("nearby drivers lookup failed", "point", p.Name, "err", err)
		writeError(w, http.StatusServiceUnavailable, "driver index unavailable")
		return
	}
	out := make([]nearbyDriver, 0, len(near))
	for _, d := range near {
		nd := nearbyDriver{
			DriverLocationMsg: models.DriverLocationMsg{DriverID: d.DriverID, Name: d.Name, Lat: d.Loc.Lat, Lon: d.Loc.Lon},
			DistanceM:         geo.Haversine(d.Loc.Lat, d.Loc.Lon, p.Lat, p.Lon),
		}
		if c, err := s.ledger.CurrentSeats(r.Context(), d.DriverID); err == nil {
			nd.Capacity, nd.AvailableSeats = c.Capacity, c.AvailableSeats
		}
		if s.eta != nil {
			if v, err := s.eta.EstimateSeconds(d.Loc, p.Coord); err == nil {
				nd.ETASeconds = v
			}
		}
		out = append(out, nd)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, err := s.store.FindRideRequests(r.Context(), storage.RideFilter{StudentID: id, Statuses: models.ActiveStatuses, Limit: 1})
	if err != nil {
		s.logger.Error("active request lookup failed", "user_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(found) == 0 {
		writeError(w, http.StatusNotFound, "no active ride request")
		return
	}
	writeJSON(w, http.StatusOK, found[0])
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	f := storage.UserFilter{Role: models.RoleDriver, OnlineOnly: true}
	if s.locationMaxAge > 0 {
		f.LocatedSince = time.Now().Add(-s.locationMaxAge)
	}
	drivers, err := s.store.FindUsers(r.Context(), f)
	if err != nil {
		s.logger.Error("driver lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]models.DriverLocationMsg, 0, len(drivers))
	for _, d := range drivers {
		s.overlaySeats(r.Context(), d)
		if msg, ok := models.DriverLocationFor(d); ok {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDriver(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, models.ErrNotFound) || (err == nil && u.Role != models.RoleDriver) {
		writeError(w, http.StatusNotFound, "driver not found")
		return
	}
	if err != nil {
		s.logger.Error("driver lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.overlaySeats(r.Context(), u)
	rides, err := s.store.FindRideRequests(r.Context(), storage.RideFilter{DriverID: u.ID, Statuses: []models.RideStatus{models.StatusAccepted}})
	if err != nil {
		s.logger.Error("current rides lookup failed", "driver_id", u.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rides == nil {
		rides = []*models.RideRequest{}
	}
	writeJSON(w, http.StatusOK, driverView{User: u, CurrentRides: rides})
}

// overlaySeats replaces stored seat counts with the ledger's view.
func (s *Server) overlaySeats(ctx context.Context, u *models.User) {
	if c, err := s.ledger.CurrentSeats(ctx, u.ID); err == nil {
		u.Capacity, u.AvailableSeats = c.Capacity, c.AvailableSeats
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	if err := s.store.Ping(ctx); err != nil {
		failed["store"] = err.Error()
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
