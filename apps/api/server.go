package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/rest"
)

const (
	defaultPageSize = 50
	maxBodyBytes    = 1 << 20
)

var errForbidden = errors.New("forbidden")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is the durable state behind the API. *db.Store implements it.
type Store interface {
	UpsertUser(ctx context.Context, u model.Participant) error
	Conversation(ctx context.Context, id string) (model.Conversation, error)
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
	DirectConversation(ctx context.Context, a, b string) (string, error)
	CreateConversation(ctx context.Context, c model.Conversation, subject string) error
	SetSupportStatus(ctx context.Context, id string, status model.SupportStatus) error
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	MessageConversation(ctx context.Context, messageID string) (string, error)
	TogglePin(ctx context.Context, conversationID, messageID string) (bool, error)
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error)
	Block(ctx context.Context, userID, blockedID string) error
	Unblock(ctx context.Context, userID, blockedID string) error
	Blocked(ctx context.Context, a, b string) (bool, error)
	Report(ctx context.Context, reporterID, reportedID, reason string) error
}

// Cache holds the hot state shared with the gateways. *cache.Store
// implements it.
type Cache interface {
	SetParticipants(ctx context.Context, conversationID string, userIDs []string) error
	Participants(ctx context.Context, conversationID string) ([]string, error)
	Statuses(ctx context.Context, userIDs ...string) (map[string]string, error)
}

type Server struct {
	store  Store
	cache  Cache
	bus    bus.Publisher
	signer *auth.Signer
	cfg    config.APIConfig
	now    func() time.Time
	log    zerolog.Logger
}

func NewServer(store Store, c Cache, pub bus.Publisher, signer *auth.Signer, cfg config.APIConfig) *Server {
	return &Server{
		store:  store,
		cache:  c,
		bus:    pub,
		signer: signer,
		cfg:    cfg,
		now:    time.Now,
		log:    logging.Component("api"),
	}
}

// Routes builds the chi router serving the REST API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.instrument)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORSMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Get("/conversations", s.ListConversations)
		r.Post("/conversations", s.CreateConversation)
		r.Post("/conversations/support", s.CreateSupportConversation)
		r.Get("/conversations/{id}/messages", s.History)
		r.Get("/conversations/{id}/presence", s.Presence)
		r.Post("/conversations/{id}/read", s.MarkRead)
		r.Patch("/conversations/{id}/support", s.UpdateSupportStatus)

		r.Post("/messages/{id}/pin", s.TogglePin)

		r.Post("/users/{id}/block", s.Block)
		r.Post("/users/{id}/unblock", s.Unblock)
		r.Post("/users/{id}/report", s.Report)
	})
	return r
}

// instrument records latency per route pattern and logs every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.APIRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		s.log.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("Request served")
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, rest.Envelope[any]{Status: rest.StatusSuccess, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, rest.Envelope[any]{Status: rest.StatusError, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env rest.Envelope[any]) {
	data, err := json.Marshal(env)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// fail maps store and authorization errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errForbidden):
		respondError(w, http.StatusForbidden, "forbidden")
	default:
		s.log.Error().Err(err).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v and validates it. It writes the 400
// response itself and reports whether the handler may continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
	}
	return err.Error()
}

// getIntParam extracts an integer query parameter with a default value
func getIntParam(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func claims(r *http.Request) *auth.Claims {
	c, _ := auth.FromContext(r.Context())
	return c
}

// member loads a conversation and checks that userID takes part in it.
func (s *Server) member(ctx context.Context, conversationID, userID string) (model.Conversation, error) {
	c, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return model.Conversation{}, errForbidden
	}
	return c, nil
}

func participantIDs(c model.Conversation) []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.ID
	}
	return ids
}

// publish announces a change that has already been stored. A failure is
// logged; the change stays visible through the REST endpoints.
func (s *Server) publish(ctx context.Context, ev model.Inbound, conversationID string, recipients []string, origin string) {
	rec, err := bus.NewRecord(ev, conversationID, recipients)
	if err == nil {
		rec.Origin = origin
		err = s.bus.Publish(ctx, rec)
	}
	if err != nil {
		s.log.Error().Err(err).Str("event", ev.EventName()).Str("conversation", conversationID).Msg("Failed to publish event")
	}
}
