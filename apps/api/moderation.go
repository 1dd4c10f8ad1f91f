package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// target reads the user id from the path and rejects actions on oneself.
func target(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || id == claims(r).UserID {
		respondError(w, http.StatusBadRequest, "invalid target user")
		return "", false
	}
	return id, true
}

func (s *Server) Block(w http.ResponseWriter, r *http.Request) {
	id, ok := target(w, r)
	if !ok {
		return
	}
	if err := s.store.Block(r.Context(), claims(r).UserID, id); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) Unblock(w http.ResponseWriter, r *http.Request) {
	id, ok := target(w, r)
	if !ok {
		return
	}
	if err := s.store.Unblock(r.Context(), claims(r).UserID, id); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

type ReportRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (s *Server) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := target(w, r)
	if !ok {
		return
	}
	var req ReportRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.store.Report(r.Context(), claims(r).UserID, id, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("reporter", claims(r).UserID).Str("reported", id).Msg("User reported")
	respondJSON(w, http.StatusOK, nil)
}
