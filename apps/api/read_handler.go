package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chatsync/pkg/model"
)

type ReadRequest struct {
	MessageIDs []string `json:"messageIds" validate:"required,min=1,max=500,dive,required"`
}

// MarkRead records read receipts for the caller and resets their unread
// count. Participants hear about it when anything changed.
func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	var req ReadRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := s.member(r.Context(), chi.URLParam(r, "id"), user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	updated, err := s.store.MarkRead(r.Context(), conv.ID, user.UserID, req.MessageIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if updated > 0 {
		s.publish(r.Context(), model.MessagesRead{MessageIDs: req.MessageIDs, ReadBy: user.UserID},
			conv.ID, participantIDs(conv), user.UserID)
	}
	respondJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
