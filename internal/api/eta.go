package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"gtfs-livemap/internal/eta"
)

type arrivalsQuery struct {
	StopID string `validate:"required"`
	Limit  int    `validate:"gte=1,lte=50"`
}

type etaQuery struct {
	StopID    string `validate:"required"`
	VehicleID string `validate:"required"`
}

const etaNotFound = "Could not calculate ETA. Vehicle may not be active or stop not on route."

func (s *Server) handleArrivals(w http.ResponseWriter, r *http.Request) {
	aq := arrivalsQuery{StopID: mux.Vars(r)["stop_id"]}
	var err error
	if aq.Limit, err = queryInt(r.URL.Query(), "limit", 10); err != nil {
		sendError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if err := s.validate.Struct(aq); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.eta == nil {
		sendError(w, http.StatusServiceUnavailable, dbDisabled)
		return
	}
	arrivals, err := s.eta.Arrivals(r.Context(), aq.StopID, aq.Limit)
	if err != nil {
		log.Printf("arrivals error for stop %s: %v", aq.StopID, err)
		sendError(w, http.StatusInternalServerError, "Arrival lookup failed")
		return
	}
	if arrivals == nil {
		arrivals = []eta.Arrival{}
	}
	sendJSON(w, http.StatusOK, arrivals)
}

// handleETA estimates one vehicle's arrival at one stop on its current trip.
func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eq := etaQuery{
		StopID:    strings.TrimSpace(q.Get("stop_id")),
		VehicleID: strings.TrimSpace(q.Get("vehicle_id")),
	}
	if err := s.validate.Struct(eq); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.eta == nil {
		sendError(w, http.StatusServiceUnavailable, dbDisabled)
		return
	}
	est, err := s.eta.ETA(r.Context(), eq.StopID, eq.VehicleID)
	if errors.Is(err, eta.ErrNotFound) {
		sendError(w, http.StatusNotFound, etaNotFound)
		return
	}
	if err != nil {
		log.Printf("eta error for vehicle %s at stop %s: %v", eq.VehicleID, eq.StopID, err)
		sendError(w, http.StatusInternalServerError, "ETA lookup failed")
		return
	}
	sendJSON(w, http.StatusOK, est)
}
