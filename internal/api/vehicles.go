package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gtfs-livemap/internal/gtfs"
)

type vehiclesResponse struct {
	Count    int                    `json:"count"`
	Vehicles []gtfs.VehiclePosition `json:"vehicles"`
}

// handleVehicles returns the current snapshot. The viewport filter applies
// only when all four bounds are given.
func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		b       gtfs.MapBounds
		present int
	)
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"north", &b.North},
		{"south", &b.South},
		{"east", &b.East},
		{"west", &b.West},
	} {
		v, ok, err := queryFloat(q, f.key)
		if err != nil {
			sendError(w, http.StatusBadRequest, f.key+" must be a number")
			return
		}
		if ok {
			*f.dst = v
			present++
		}
	}

	var vehicles []gtfs.VehiclePosition
	if present == 4 {
		vehicles = s.vehicles.InBounds(b)
	} else {
		vehicles = s.vehicles.All()
	}
	if vehicles == nil {
		vehicles = []gtfs.VehiclePosition{}
	}
	sendJSON(w, http.StatusOK, vehiclesResponse{Count: len(vehicles), Vehicles: vehicles})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.status.Status())
}

// trackingResponse is the /v1 shape of a vehicle: camelCase keys, and bearing
// and speed sent as null rather than left out.
type trackingResponse struct {
	VehicleID  string   `json:"vehicleId"`
	RouteID    string   `json:"routeId"`
	TripID     string   `json:"tripId"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Bearing    *float64 `json:"bearing"`
	Speed      *float64 `json:"speed"`
	LastUpdate string   `json:"lastUpdate"`
}

// handleTracking returns the latest in-memory position of one vehicle.
func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["vehicle_id"]

	v, ok := s.vehicles.ByVehicle(id)
	if !ok {
		sendError(w, http.StatusNotFound, "Vehicle not found")
		return
	}
	sendJSON(w, http.StatusOK, trackingResponse{
		VehicleID:  v.VehicleID,
		RouteID:    v.RouteID,
		TripID:     v.TripID,
		Lat:        v.Latitude,
		Lon:        v.Longitude,
		Bearing:    v.Bearing,
		Speed:      v.Speed,
		LastUpdate: time.Unix(v.Timestamp, 0).UTC().Format(time.RFC3339),
	})
}
