package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Streams int    `json:"streams"`
	Devices int    `json:"devices"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Streams: s.manager.Len(),
		Devices: len(s.manager.Devices()),
	})
}
