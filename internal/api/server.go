package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"gtfs-livemap/internal/eta"
	"gtfs-livemap/internal/gtfs"
	"gtfs-livemap/internal/poller"
)

// VehicleStore is the read side of the position store.
type VehicleStore interface {
	All() []gtfs.VehiclePosition
	InBounds(b gtfs.MapBounds) []gtfs.VehiclePosition
	ByVehicle(vehicleID string) (gtfs.VehiclePosition, bool)
}

type StatusReporter interface {
	Status() poller.Status
}

// StopFinder answers static GTFS lookups. A nil StopFinder disables the stop
// and route endpoints.
type StopFinder interface {
	NearbyStops(ctx context.Context, lat, lon, radiusM float64, limit int) ([]gtfs.Stop, error)
	SearchStops(ctx context.Context, query string, limit int) ([]gtfs.Stop, error)
	Routes(ctx context.Context) ([]gtfs.Route, error)
	Ping(ctx context.Context) error
}

// ETAService answers arrival and ETA questions. A nil ETAService disables
// those endpoints.
type ETAService interface {
	Arrivals(ctx context.Context, stopID string, limit int) ([]eta.Arrival, error)
	ETA(ctx context.Context, stopID, vehicleID string) (eta.Estimate, error)
}

type ModelChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Stops, ETA and Model may be
// nil.
type Deps struct {
	Vehicles VehicleStore
	Status   StatusReporter
	Stream   http.Handler
	Stops    StopFinder
	ETA      ETAService
	Model    ModelChecker
	Version  string
}

// Server represents the API server
type Server struct {
	vehicles VehicleStore
	status   StatusReporter
	stream   http.Handler
	stops    StopFinder
	eta      ETAService
	model    ModelChecker
	version  string
	validate *validator.Validate
}

func NewServer(d Deps) *Server {
	return &Server{
		vehicles: d.Vehicles,
		status:   d.Status,
		stream:   d.Stream,
		stops:    d.Stops,
		eta:      d.ETA,
		model:    d.Model,
		version:  d.Version,
		validate: validator.New(),
	}
}

// Router creates and returns the HTTP router
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/api/vehicles", s.handleVehicles).Methods("GET")
	r.HandleFunc("/api/vehicles/status", s.handleStatus).Methods("GET")
	r.Handle("/ws/vehicles", s.stream).Methods("GET")
	r.Handle("/api/ws/vehicles", s.stream).Methods("GET")
	r.HandleFunc("/v1/tracking/{vehicle_id}", s.handleTracking).Methods("GET")
	r.HandleFunc("/v1/stops/near", s.handleStopsNear).Methods("GET")
	r.HandleFunc("/v1/stops/search", s.handleStopsSearch).Methods("GET")
	r.HandleFunc("/v1/stops/{stop_id}/arrivals", s.handleArrivals).Methods("GET")
	r.HandleFunc("/v1/eta", s.handleETA).Methods("GET")
	r.HandleFunc("/v1/routes", s.handleRoutes).Methods("GET")
	r.HandleFunc("/v1/health", s.handleHealth).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "Not Found")
	})

	return corsMiddleware(r)
}

// corsMiddleware allows every origin
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type indexResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, indexResponse{Name: "gtfs-livemap", Version: s.version})
}
