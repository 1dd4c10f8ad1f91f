package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/model"
)

// ListConversations returns the caller's conversations with the live
// presence of every participant filled in.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	convs, err := s.store.Conversations(r.Context(), user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, c := range convs {
		for _, p := range c.Participants {
			if _, ok := seen[p.ID]; !ok {
				seen[p.ID] = struct{}{}
				ids = append(ids, p.ID)
			}
		}
	}
	statuses, err := s.cache.Statuses(r.Context(), ids...)
	if err != nil {
		// Presence is advisory; the list is still useful without it.
		s.log.Warn().Err(err).Msg("Failed to load presence")
	}
	for i := range convs {
		for j := range convs[i].Participants {
			p := &convs[i].Participants[j]
			p.PresenceStatus = model.StatusOffline
			if st, ok := statuses[p.ID]; ok {
				p.PresenceStatus = st
			}
		}
	}
	respondJSON(w, http.StatusOK, convs)
}

type CreateConversationRequest struct {
	ParticipantID string `json:"participantId" validate:"required,max=64"`
}

// CreateConversation opens a direct conversation with another user. An
// existing one between the same pair is returned instead.
func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	var req CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ParticipantID == user.UserID {
		respondError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}
	blocked, err := s.store.Blocked(r.Context(), user.UserID, req.ParticipantID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if blocked {
		s.fail(w, r, errForbidden)
		return
	}

	existing, err := s.store.DirectConversation(r.Context(), user.UserID, req.ParticipantID)
	switch {
	case err == nil:
		conv, err := s.store.Conversation(r.Context(), existing)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, conv)
		return
	case !errors.Is(err, db.ErrNotFound):
		s.fail(w, r, err)
		return
	}

	conv, err := s.open(r.Context(), model.Conversation{
		Kind:         model.KindDirect,
		Participants: []model.Participant{{ID: user.UserID}, {ID: req.ParticipantID}},
	}, "", user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

type CreateSupportRequest struct {
	Subject string `json:"subject" validate:"max=200"`
}

// CreateSupportConversation opens an admin support conversation between the
// caller and the configured support agent.
func (s *Server) CreateSupportConversation(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	var req CreateSupportRequest
	if !decode(w, r, &req) {
		return
	}
	if s.cfg.SupportAgent == "" || s.cfg.SupportAgent == user.UserID {
		respondError(w, http.StatusBadRequest, "support conversations are not available for this user")
		return
	}

	conv, err := s.open(r.Context(), model.Conversation{
		Kind:          model.KindAdminSupport,
		SupportStatus: model.SupportOpen,
		Participants:  []model.Participant{{ID: user.UserID}, {ID: s.cfg.SupportAgent}},
	}, req.Subject, user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

// open stores a new conversation, shares its membership with the gateways and
// announces it to the participants.
func (s *Server) open(ctx context.Context, c model.Conversation, subject, creator string) (model.Conversation, error) {
	c.ID = uuid.NewString()
	c.LastActivityAt = s.now().UTC()
	if err := s.store.CreateConversation(ctx, c, subject); err != nil {
		return model.Conversation{}, err
	}
	ids := participantIDs(c)
	if err := s.cache.SetParticipants(ctx, c.ID, ids); err != nil {
		return model.Conversation{}, err
	}

	// Reload to pick up display names.
	conv, err := s.store.Conversation(ctx, c.ID)
	if err != nil {
		return model.Conversation{}, err
	}
	s.publish(ctx, model.ConversationCreated{Conversation: conv}, conv.ID, ids, creator)
	s.log.Info().Str("conversation", conv.ID).Str("kind", string(conv.Kind)).Str("creator", creator).Msg("Conversation created")
	return conv, nil
}

type SupportStatusRequest struct {
	Status model.SupportStatus `json:"status" validate:"required,oneof=open in_progress closed"`
}

// UpdateSupportStatus moves an admin support conversation through its
// open, in_progress and closed states.
func (s *Server) UpdateSupportStatus(w http.ResponseWriter, r *http.Request) {
	user := claims(r)
	var req SupportStatusRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := s.member(r.Context(), chi.URLParam(r, "id"), user.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if conv.Kind != model.KindAdminSupport {
		respondError(w, http.StatusBadRequest, "not a support conversation")
		return
	}
	if err := s.store.SetSupportStatus(r.Context(), conv.ID, req.Status); err != nil {
		s.fail(w, r, err)
		return
	}

	s.publish(r.Context(), model.SupportStatusChanged{ConversationID: conv.ID, Status: req.Status},
		conv.ID, participantIDs(conv), user.UserID)
	conv.SupportStatus = req.Status
	respondJSON(w, http.StatusOK, conv)
}
