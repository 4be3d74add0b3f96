package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/xstream/internal/execctx"
	"github.com/seantiz/xstream/internal/stream"
)

// laneHeader names the request header selecting the execution lane. Requests
// without it share the default lane of the stream.
const laneHeader = "X-Lane-Id"

type createBufferRequest struct {
	Size int `json:"size"`
}

// bufferResponse carries buffer contents base64-encoded, as encoding/json
// renders byte slices.
type bufferResponse struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
	Data []byte `json:"data"`
}

type copyRequest struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Size int    `json:"size"`
}

type fillRequest struct {
	Dst     string `json:"dst"`
	Pattern int    `json:"pattern"`
	Size    int    `json:"size"`
}

type waitResponse struct {
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
}

// laneContext binds the request's lane to its context.
func laneContext(r *http.Request) context.Context {
	if lane := r.Header.Get(laneHeader); lane != "" {
		return execctx.WithLaneID(r.Context(), execctx.LaneID(lane))
	}
	return r.Context()
}

func (s *Server) handleCreateBuffer(w http.ResponseWriter, r *http.Request) {
	var req createBufferRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	info, err := s.manager.Allocate(r.Context(), chi.URLParam(r, "id"), req.Size)
	if err != nil {
		s.writeStreamError(w, err, "allocate buffer")
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListBuffers(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.Buffers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStreamError(w, err, "list buffers")
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	bufID := chi.URLParam(r, "buf")

	data, err := s.manager.ReadBuffer(r.Context(), chi.URLParam(r, "id"), bufID)
	if err != nil {
		s.writeStreamError(w, err, "read buffer")
		return
	}
	s.writeJSON(w, http.StatusOK, bufferResponse{ID: bufID, Size: len(data), Data: data})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.manager.Copy(laneContext(r), chi.URLParam(r, "id"), req.Src, req.Dst, req.Size)
	if err != nil {
		s.writeStreamError(w, err, "copy")
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req fillRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.manager.Fill(laneContext(r), chi.URLParam(r, "id"), req.Dst, req.Pattern, req.Size)
	if err != nil {
		s.writeStreamError(w, err, "fill")
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

type lanesResponse struct {
	StreamID string   `json:"stream_id"`
	Lanes    []string `json:"lanes"`
}

func (s *Server) handleListLanes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lanes, err := s.manager.Lanes(r.Context(), id)
	if err != nil {
		s.writeStreamError(w, err, "list lanes")
		return
	}
	s.writeJSON(w, http.StatusOK, lanesResponse{StreamID: id, Lanes: lanes})
}

func (s *Server) handleReleaseLane(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ReleaseLane(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lane")); err != nil {
		s.writeStreamError(w, err, "release lane")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Wait(r.Context(), id); err != nil {
		s.writeStreamError(w, err, "wait")
		return
	}
	s.writeJSON(w, http.StatusOK, waitResponse{StreamID: id, Status: stream.Success.String()})
}
