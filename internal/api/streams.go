package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/xstream/internal/manager"
	"github.com/seantiz/xstream/internal/model"
	"github.com/seantiz/xstream/internal/stream"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createStreamRequest is the JSON body for POST /v1/streams. Omitted
// profiling and counters fall back to the server defaults.
type createStreamRequest struct {
	Device     string `json:"device"`
	Profiling  *bool  `json:"profiling"`
	OutOfOrder bool   `json:"out_of_order"`
	Counters   *bool  `json:"counters"`
}

// listStreamsResponse wraps the paginated list response.
type listStreamsResponse struct {
	Streams []*model.StreamRecord `json:"streams"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	opts := manager.CreateOptions{
		Device:     req.Device,
		Profiling:  s.defaults.Profiling,
		OutOfOrder: req.OutOfOrder,
		Counters:   s.defaults.Counters,
	}
	if req.Profiling != nil {
		opts.Profiling = *req.Profiling
	}
	if req.Counters != nil {
		opts.Counters = *req.Counters
	}

	rec, err := s.manager.Create(r.Context(), opts)
	if err != nil {
		s.writeStreamError(w, err, "create stream")
		return
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	rec, err := s.manager.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStreamError(w, err, "get stream")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	streams, total, err := s.manager.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list streams", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list streams")
		return
	}

	if streams == nil {
		streams = []*model.StreamRecord{}
	}

	s.writeJSON(w, http.StatusOK, listStreamsResponse{
		Streams: streams,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleDeleteStream waits for the stream's outstanding work and closes it.
func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Close(r.Context(), id); err != nil {
		s.writeStreamError(w, err, "close stream")
		return
	}

	rec, err := s.manager.Record(r.Context(), id)
	if err != nil {
		s.logger.Error("get closed stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve stream")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

// writeStreamError maps an error from the manager or a stream to its HTTP
// status. what names the failed action in the log.
func (s *Server) writeStreamError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, manager.ErrStreamNotFound):
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	case errors.Is(err, manager.ErrBufferNotFound):
		s.writeError(w, http.StatusNotFound, "buffer not found")
		return
	case errors.Is(err, manager.ErrLaneNotFound):
		s.writeError(w, http.StatusNotFound, "lane not found")
		return
	}

	status := stream.StatusOf(err)
	streamErrorsTotal.WithLabelValues(status.String()).Inc()
	switch status {
	case stream.InvalidArguments:
		s.writeError(w, http.StatusBadRequest, err.Error())
	case stream.OutOfMemory:
		s.writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		s.logger.Error(what, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a size-limited JSON body into v, writing a 400 and
// returning false on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
