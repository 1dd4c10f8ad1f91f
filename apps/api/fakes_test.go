package main

import (
	"context"
	"slices"
	"sync"

	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/model"
)

type memStore struct {
	mu        sync.Mutex
	users     map[string]model.Participant
	convs     map[string]model.Conversation
	subjects  map[string]string
	direct    map[string]string
	messages  map[string][]model.Message
	reads     map[string]map[string]bool // message id -> reader -> read
	blocks    map[[2]string]bool
	reports   []string
	lastLimit int
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]model.Participant),
		convs:    make(map[string]model.Conversation),
		subjects: make(map[string]string),
		direct:   make(map[string]string),
		messages: make(map[string][]model.Message),
		reads:    make(map[string]map[string]bool),
		blocks:   make(map[[2]string]bool),
	}
}

func (m *memStore) UpsertUser(_ context.Context, u model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *memStore) resolve(c model.Conversation) model.Conversation {
	c = c.Clone()
	for i, p := range c.Participants {
		if u, ok := m.users[p.ID]; ok {
			c.Participants[i] = u
		} else {
			c.Participants[i] = model.Participant{ID: p.ID, DisplayName: p.ID}
		}
	}
	return c
}

func (m *memStore) Conversation(_ context.Context, id string) (model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return model.Conversation{}, db.ErrNotFound
	}
	return m.resolve(c), nil
}

func (m *memStore) Conversations(_ context.Context, userID string) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Conversation
	for _, c := range m.convs {
		if c.HasParticipant(userID) {
			out = append(out, m.resolve(c))
		}
	}
	slices.SortFunc(out, func(a, b model.Conversation) int { return b.LastActivityAt.Compare(a.LastActivityAt) })
	return out, nil
}

func (m *memStore) DirectConversation(_ context.Context, a, b string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.direct[db.PairKey(a, b)]
	if !ok {
		return "", db.ErrNotFound
	}
	return id, nil
}

func (m *memStore) CreateConversation(_ context.Context, c model.Conversation, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = c.Clone()
	m.subjects[c.ID] = subject
	if c.Kind == model.KindDirect && len(c.Participants) == 2 {
		m.direct[db.PairKey(c.Participants[0].ID, c.Participants[1].ID)] = c.ID
	}
	return nil
}

func (m *memStore) SetSupportStatus(_ context.Context, id string, status model.SupportStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return db.ErrNotFound
	}
	c.SupportStatus = status
	m.convs[id] = c
	return nil
}

func (m *memStore) Messages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	msgs := m.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (m *memStore) MessageConversation(_ context.Context, messageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conv, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == messageID {
				return conv, nil
			}
		}
	}
	return "", db.ErrNotFound
}

func (m *memStore) TogglePin(_ context.Context, conversationID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].IsPinned = !msgs[i].IsPinned
			return msgs[i].IsPinned, nil
		}
	}
	return false, db.ErrNotFound
}

func (m *memStore) MarkRead(_ context.Context, _, userID string, messageIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range messageIDs {
		if m.reads[id] == nil {
			m.reads[id] = make(map[string]bool)
		}
		if !m.reads[id][userID] {
			m.reads[id][userID] = true
			n++
		}
	}
	return n, nil
}

func (m *memStore) Block(_ context.Context, userID, blockedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[[2]string{userID, blockedID}] = true
	return nil
}

func (m *memStore) Unblock(_ context.Context, userID, blockedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, [2]string{userID, blockedID})
	return nil
}

func (m *memStore) Blocked(_ context.Context, a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[[2]string{a, b}] || m.blocks[[2]string{b, a}], nil
}

func (m *memStore) Report(_ context.Context, reporterID, reportedID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, reporterID+">"+reportedID+":"+reason)
	return nil
}

type memCache struct {
	mu           sync.Mutex
	participants map[string][]string
	statuses     map[string]string
}

func newMemCache() *memCache {
	return &memCache{participants: make(map[string][]string), statuses: make(map[string]string)}
}

func (c *memCache) SetParticipants(_ context.Context, conversationID string, userIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[conversationID] = slices.Clone(userIDs)
	return nil
}

func (c *memCache) Participants(_ context.Context, conversationID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.participants[conversationID]), nil
}

func (c *memCache) Statuses(_ context.Context, userIDs ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for _, id := range userIDs {
		if st, ok := c.statuses[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

type recorder struct {
	mu   sync.Mutex
	recs []bus.Record
}

func (r *recorder) Publish(_ context.Context, recs ...bus.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, recs...)
	return nil
}

func (r *recorder) events(name string) []bus.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Record
	for _, rec := range r.recs {
		if rec.Event == name {
			out = append(out, rec)
		}
	}
	return out
}
