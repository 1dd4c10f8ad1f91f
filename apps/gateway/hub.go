package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/cache"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/snowflake"
	"github.com/rs/zerolog"
)

var (
	errForbidden = errors.New("forbidden")
	errInvalid   = errors.New("invalid event")
)

// Hub tracks the sockets of this gateway. Client events are validated and
// published to the bus; records coming back from the bus are fanned out to
// the sockets they address.
type Hub struct {
	users map[string]map[*Client]struct{} // user_id -> clients
	rooms map[string]map[*Client]struct{} // conversation_id -> joined clients
	mu    sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	bus   bus.Publisher
	cache *cache.Store
	ids   *snowflake.Node
	now   func() time.Time
	log   zerolog.Logger
}

func NewHub(pub bus.Publisher, store *cache.Store, ids *snowflake.Node) *Hub {
	return &Hub{
		users:      make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		bus:        pub,
		cache:      store,
		ids:        ids,
		now:        time.Now,
		log:        logging.Component("hub"),
	}
}

// Run processes registrations until ctx ends, then closes every socket.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.add(ctx, c)
		case c := <-h.unregister:
			h.remove(ctx, c)
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.users {
				for c := range clients {
					c.conn.Close()
				}
			}
			h.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (h *Hub) add(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[*Client]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.mu.Unlock()
	metrics.GatewayConnections.Inc()
	h.log.Info().Str("user", c.userID).Msg("Client registered")

	first, err := h.cache.Connect(ctx, c.userID)
	if err != nil {
		h.log.Error().Err(err).Str("user", c.userID).Msg("Failed to record connection")
		return
	}
	if first {
		h.setStatus(ctx, c.userID, model.StatusOnline)
	}
}

func (h *Hub) remove(ctx context.Context, c *Client) {
	h.mu.Lock()
	clients, ok := h.users[c.userID]
	if ok {
		_, ok = clients[c]
	}
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.users, c.userID)
	}
	for id := range c.rooms {
		if room := h.rooms[id]; room != nil {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	c.closed = true
	close(c.send)
	h.mu.Unlock()
	metrics.GatewayConnections.Dec()
	h.log.Info().Str("user", c.userID).Msg("Client unregistered")

	last, err := h.cache.Disconnect(ctx, c.userID)
	if err != nil {
		h.log.Error().Err(err).Str("user", c.userID).Msg("Failed to record disconnection")
		return
	}
	if last {
		h.setStatus(ctx, c.userID, model.StatusOffline)
	}
}

// Register hands a new socket to the hub. It returns false once the hub has
// stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver fans a bus record out to the local sockets it addresses. Sockets
// whose send buffer is full are closed.
func (h *Hub) Deliver(_ context.Context, rec bus.Record) error {
	frame, err := rec.Frame()
	if err != nil {
		return fmt.Errorf("frame %s: %w", rec.Event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	deliver := func(c *Client) {
		select {
		case c.send <- frame:
		default:
			h.log.Warn().Str("user", c.userID).Msg("Send buffer full, closing connection")
			c.conn.Close()
		}
	}

	switch {
	case len(rec.Recipients) > 0:
		for _, u := range rec.Recipients {
			for c := range h.users[u] {
				deliver(c)
			}
		}
	case rec.ConversationID != "":
		for c := range h.rooms[rec.ConversationID] {
			deliver(c)
		}
	default:
		for _, clients := range h.users {
			for c := range clients {
				deliver(c)
			}
		}
	}
	return nil
}

// handle validates one client event and publishes its consequence.
func (h *Hub) handle(ctx context.Context, c *Client, ev model.Outbound) error {
	switch e := ev.(type) {
	case model.JoinConversation:
		if err := h.member(ctx, e.ConversationID, c.userID); err != nil {
			return err
		}
		h.join(c, e.ConversationID)
		return nil
	case model.SendMessage:
		return h.send(ctx, c, e)
	case model.TypingStart:
		return h.typing(ctx, c, e.ConversationID, true)
	case model.TypingStop:
		return h.typing(ctx, c, e.ConversationID, false)
	case model.MessageRead:
		if len(e.MessageIDs) == 0 {
			return errInvalid
		}
		return h.publishTo(ctx, c, e.ConversationID, model.MessagesRead{MessageIDs: e.MessageIDs, ReadBy: c.userID})
	case model.MessageEdited:
		if strings.TrimSpace(e.Content) == "" {
			return errInvalid
		}
		conv, err := h.owned(ctx, c, e.MessageID)
		if err != nil {
			return err
		}
		return h.publishTo(ctx, c, conv, model.MessageUpdated{
			MessageID: e.MessageID,
			Content:   e.Content,
			IsEdited:  true,
			EditedAt:  h.now().UTC(),
		})
	case model.MessageDeleted:
		conv, err := h.owned(ctx, c, e.MessageID)
		if err != nil {
			return err
		}
		return h.publishTo(ctx, c, conv, model.MessageRemoved{MessageID: e.MessageID})
	case model.UpdateStatus:
		status := strings.ToLower(strings.TrimSpace(e.Status))
		if status == "" {
			return errInvalid
		}
		h.setStatus(ctx, c.userID, status)
		return nil
	default:
		return fmt.Errorf("%w: %s", errInvalid, ev.EventName())
	}
}

func (h *Hub) member(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" {
		return errInvalid
	}
	ok, err := h.cache.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden
	}
	return nil
}

func (h *Hub) join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

// send stamps the authoritative id and time on a message and publishes it to
// every participant. The client id is echoed so the sender can reconcile.
func (h *Hub) send(ctx context.Context, c *Client, e model.SendMessage) error {
	if strings.TrimSpace(e.Content) == "" && e.MediaURL == "" {
		return errInvalid
	}
	participants, err := h.participants(ctx, e.ConversationID, c.userID)
	if err != nil {
		return err
	}

	typ := e.MessageType
	if typ == "" {
		typ = model.TypeText
	}
	msg := model.Message{
		ID:             h.ids.Generate().String(),
		ClientID:       e.ClientID,
		ConversationID: e.ConversationID,
		Sender:         model.Sender{ID: c.userID, DisplayName: c.name, Role: c.role},
		Content:        e.Content,
		Type:           typ,
		MediaURL:       e.MediaURL,
		State:          model.StateConfirmed,
		ReplyTo:        e.ReplyTo,
		CreatedAt:      h.now().UTC(),
	}
	if err := h.cache.RememberMessage(ctx, msg.ID, msg.ConversationID, c.userID); err != nil {
		return err
	}

	rec, err := bus.NewRecord(model.NewMessage{ConversationID: msg.ConversationID, Message: msg}, msg.ConversationID, participants)
	if err != nil {
		return err
	}
	rec.Origin = c.userID
	return h.bus.Publish(ctx, rec)
}

// typing goes to the sockets that joined the conversation only.
func (h *Hub) typing(ctx context.Context, c *Client, conversationID string, isTyping bool) error {
	if err := h.member(ctx, conversationID, c.userID); err != nil {
		return err
	}
	rec, err := bus.NewRecord(model.UserTyping{
		ConversationID: conversationID,
		UserID:         c.userID,
		UserName:       c.name,
		IsTyping:       isTyping,
	}, conversationID, nil)
	if err != nil {
		return err
	}
	rec.Origin = c.userID
	return h.bus.Publish(ctx, rec)
}

// publishTo sends ev to every participant of a conversation c belongs to.
func (h *Hub) publishTo(ctx context.Context, c *Client, conversationID string, ev model.Inbound) error {
	participants, err := h.participants(ctx, conversationID, c.userID)
	if err != nil {
		return err
	}
	rec, err := bus.NewRecord(ev, conversationID, participants)
	if err != nil {
		return err
	}
	rec.Origin = c.userID
	return h.bus.Publish(ctx, rec)
}

func (h *Hub) participants(ctx context.Context, conversationID, userID string) ([]string, error) {
	if conversationID == "" {
		return nil, errInvalid
	}
	ids, err := h.cache.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id == userID {
			return ids, nil
		}
	}
	return nil, errForbidden
}

// owned returns the conversation of a message sent by c's user.
func (h *Hub) owned(ctx context.Context, c *Client, messageID string) (string, error) {
	if messageID == "" {
		return "", errInvalid
	}
	conv, sender, err := h.cache.MessageRef(ctx, messageID)
	if errors.Is(err, cache.ErrNotFound) {
		return "", errForbidden
	}
	if err != nil {
		return "", err
	}
	if sender != c.userID {
		return "", errForbidden
	}
	return conv, nil
}

// setStatus stores a presence change and broadcasts it to every gateway.
func (h *Hub) setStatus(ctx context.Context, userID, status string) {
	var err error
	if status == model.StatusOffline {
		err = h.cache.ClearStatus(ctx, userID)
	} else {
		err = h.cache.SetStatus(ctx, userID, status)
	}
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("Failed to store status")
	}

	rec, err := bus.NewRecord(model.UserStatusChange{UserID: userID, Status: status}, "", nil)
	if err == nil {
		rec.Origin = userID
		err = h.bus.Publish(ctx, rec)
	}
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("Failed to publish status change")
	}
}
