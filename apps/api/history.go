package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/model"
)

// History returns the most recent messages of a conversation, oldest first.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	conversationID := chi.URLParam(r, "id")
	if _, err := s.member(r.Context(), conversationID, user.UserID); err != nil {
		s.fail(w, r, err)
		return
	}

	limit := getIntParam(r, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if s.cfg.MaxLimit > 0 && limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	messages, err := s.store.Messages(r.Context(), conversationID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

// TogglePin flips the pin flag of a message and tells the participants.
func (s *Server) TogglePin(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	messageID := chi.URLParam(r, "id")

	conversationID, err := s.store.MessageConversation(r.Context(), messageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conv, err := s.member(r.Context(), conversationID, user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pinned, err := s.store.TogglePin(r.Context(), conversationID, messageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.publish(r.Context(), model.MessagePinned{MessageID: messageID, IsPinned: pinned},
		conversationID, participantIDs(conv), user.UserID)
	respondJSON(w, http.StatusOK, map[string]bool{"isPinned": pinned})
}

type LoginRequest struct {
	UserID string `json:"userId" validate:"required,max=64"`
	Name   string `json:"name" validate:"max=128"`
	Role   string `json:"role" validate:"omitempty,max=32"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// Login registers the user and issues a token. It is meant for development
// deployments that have no identity provider.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}
	name := req.Name
	if name == "" {
		name = req.UserID
	}

	if err := s.store.UpsertUser(r.Context(), model.Participant{ID: req.UserID, DisplayName: name, Role: req.Role}); err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.signer.GenerateToken(req.UserID, name, req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("user", req.UserID).Msg("User logged in")
	respondJSON(w, http.StatusOK, LoginResponse{Token: token})
}

func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := auth.BearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			respondError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		c, err := s.signer.ValidateToken(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), c)))
	})
}
