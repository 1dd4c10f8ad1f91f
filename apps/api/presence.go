package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chatsync/pkg/model"
)

// Presence reports the status of every participant of a conversation as the
// gateways see it.
func (s *Server) Presence(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	conversationID := chi.URLParam(r, "id")
	if _, err := s.member(r.Context(), conversationID, user.UserID); err != nil {
		s.fail(w, r, err)
		return
	}

	users, err := s.cache.Participants(r.Context(), conversationID)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", conversationID).Msg("Failed to fetch presence")
		respondError(w, http.StatusInternalServerError, "failed to fetch presence")
		return
	}
	statuses, err := s.cache.Statuses(r.Context(), users...)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", conversationID).Msg("Failed to fetch presence")
		respondError(w, http.StatusInternalServerError, "failed to fetch presence")
		return
	}

	out := make(map[string]string, len(users))
	for _, id := range users {
		out[id] = model.StatusOffline
		if st, ok := statuses[id]; ok {
			out[id] = st
		}
	}
	respondJSON(w, http.StatusOK, out)
}
