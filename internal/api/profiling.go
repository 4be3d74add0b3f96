package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/xstream/internal/model"
	"github.com/seantiz/xstream/internal/profiler"
)

type profilingResponse struct {
	StreamID string   `json:"stream_id"`
	Kind     string   `json:"kind"`
	Values   []uint64 `json:"values"`
}

type snapshotResponse struct {
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Written  int    `json:"written"`
}

type historyResponse struct {
	StreamID string         `json:"stream_id"`
	Samples  []model.Sample `json:"samples"`
}

type countersResponse struct {
	StreamID string            `json:"stream_id"`
	Counters map[string]uint64 `json:"counters"`
}

// parseKind reads the kind query parameter, writing a 400 for unknown kinds.
// An absent kind selects time.
func (s *Server) parseKind(w http.ResponseWriter, r *http.Request) (profiler.Kind, bool) {
	kind, err := profiler.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return kind, true
}

func (s *Server) handleGetProfiling(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.parseKind(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	values, err := s.manager.Profiling(r.Context(), id, kind)
	if err != nil {
		s.writeStreamError(w, err, "get profiling data")
		return
	}
	s.writeJSON(w, http.StatusOK, profilingResponse{StreamID: id, Kind: kind.String(), Values: values})
}

func (s *Server) handleResetProfiling(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ResetProfiling(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStreamError(w, err, "reset profiling")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshotProfiling(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.parseKind(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	n, err := s.manager.Snapshot(r.Context(), id, kind)
	if err != nil {
		s.writeStreamError(w, err, "snapshot profiling")
		return
	}
	s.writeJSON(w, http.StatusCreated, snapshotResponse{StreamID: id, Kind: kind.String(), Written: n})
}

func (s *Server) handleGetProfilingHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Unlike the live endpoints, an absent kind returns every kind.
	var kind string
	if r.URL.Query().Get("kind") != "" {
		k, ok := s.parseKind(w, r)
		if !ok {
			return
		}
		kind = k.String()
	}

	samples, err := s.manager.History(r.Context(), id, kind)
	if err != nil {
		s.writeStreamError(w, err, "get profiling history")
		return
	}
	if samples == nil {
		samples = []model.Sample{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{StreamID: id, Samples: samples})
}

func (s *Server) handleGetCounters(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.manager.Counters(r.Context(), id)
	if err != nil {
		s.writeStreamError(w, err, "get counters")
		return
	}
	s.writeJSON(w, http.StatusOK, countersResponse{StreamID: id, Counters: snap})
}
