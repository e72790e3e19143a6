package server

import "net/http"

// HealthAPI handles GET /health: a liveness probe, gate-exempt per
// featuregate's exemptPrefixes so it never blocks on maintenance state.
func (s *Server) HealthAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, struct {
		Status string `json:"status"`
	}{Status: "ok"}, http.StatusOK)
}
