package api

import (
	"log"
	"net/http"
	"strings"

	"gtfs-livemap/internal/gtfs"
)

type nearQuery struct {
	Lat    float64 `validate:"gte=-90,lte=90"`
	Lon    float64 `validate:"gte=-180,lte=180"`
	Radius int     `validate:"gte=100,lte=5000"`
	Limit  int     `validate:"gte=1,lte=50"`
}

type searchQuery struct {
	Q     string `validate:"required"`
	Limit int    `validate:"gte=1,lte=100"`
}

const dbDisabled = "Stop database is not configured"

func (s *Server) handleStopsNear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var nq nearQuery
	var ok bool
	var err error
	if nq.Lat, ok, err = queryFloat(q, "lat"); err != nil || !ok {
		sendError(w, http.StatusBadRequest, "lat is required and must be a number")
		return
	}
	if nq.Lon, ok, err = queryFloat(q, "lon"); err != nil || !ok {
		sendError(w, http.StatusBadRequest, "lon is required and must be a number")
		return
	}
	if nq.Radius, err = queryInt(q, "radius", 800); err != nil {
		sendError(w, http.StatusBadRequest, "radius must be an integer")
		return
	}
	if nq.Limit, err = queryInt(q, "limit", 5); err != nil {
		sendError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if err := s.validate.Struct(nq); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.stops == nil {
		sendError(w, http.StatusServiceUnavailable, dbDisabled)
		return
	}
	stops, err := s.stops.NearbyStops(r.Context(), nq.Lat, nq.Lon, float64(nq.Radius), nq.Limit)
	if err != nil {
		log.Printf("nearby stops error: %v", err)
		sendError(w, http.StatusInternalServerError, "Stop lookup failed")
		return
	}
	if stops == nil {
		stops = []gtfs.Stop{}
	}
	sendJSON(w, http.StatusOK, stops)
}

func (s *Server) handleStopsSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sq := searchQuery{Q: strings.TrimSpace(q.Get("q"))}
	var err error
	if sq.Limit, err = queryInt(q, "limit", 20); err != nil {
		sendError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if err := s.validate.Struct(sq); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.stops == nil {
		sendError(w, http.StatusServiceUnavailable, dbDisabled)
		return
	}
	stops, err := s.stops.SearchStops(r.Context(), sq.Q, sq.Limit)
	if err != nil {
		log.Printf("stop search error: %v", err)
		sendError(w, http.StatusInternalServerError, "Stop search failed")
		return
	}
	if stops == nil {
		stops = []gtfs.Stop{}
	}
	sendJSON(w, http.StatusOK, stops)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if s.stops == nil {
		sendError(w, http.StatusServiceUnavailable, dbDisabled)
		return
	}
	routes, err := s.stops.Routes(r.Context())
	if err != nil {
		log.Printf("routes error: %v", err)
		sendError(w, http.StatusInternalServerError, "Route lookup failed")
		return
	}
	if routes == nil {
		routes = []gtfs.Route{}
	}
	sendJSON(w, http.StatusOK, routes)
}
