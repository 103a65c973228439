package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	s.writeJSON(w, endpoint, method, start, http.StatusOK, healthResponse{Status: "ok", Sessions: s.Sessions()})
}
