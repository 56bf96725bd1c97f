package api

import (
	"log"
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	DB      string `json:"db"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

// handleHealth reports degraded only when a configured database fails its
// ping. Running without a database is healthy. The model check is reported
// on its own and leaves status alone.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", DB: "disabled", Model: "disabled", Version: s.version}
	if s.stops != nil {
		if err := s.stops.Ping(r.Context()); err != nil {
			log.Printf("health db ping failed: %v", err)
			resp.DB = "error"
			resp.Status = "degraded"
		} else {
			resp.DB = "ok"
		}
	}
	if s.model != nil {
		if err := s.model.Health(r.Context()); err != nil {
			log.Printf("health model check failed: %v", err)
			resp.Model = "error"
		} else {
			resp.Model = "ok"
		}
	}
	sendJSON(w, http.StatusOK, resp)
}
