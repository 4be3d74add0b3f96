package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total    int            `json:"total"`
	Live     int            `json:"live"`
	ByStatus map[string]int `json:"by_status"`
	ByDevice map[string]int `json:"by_device"`
	Samples  int            `json:"samples"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.logger.Error("get stream stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:    stats.Total,
		Live:     s.manager.Len(),
		ByStatus: stats.CountByStatus,
		ByDevice: stats.CountByDevice,
		Samples:  stats.Samples,
	})
}
