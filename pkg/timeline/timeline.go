// Package timeline holds the message list of the active conversation and
// reconciles it with optimistic local actions.
//
// Confirmed messages live in a sorted slice for the loaded conversation.
// Unconfirmed sends live in an outbox keyed by client correlation id and span
// all conversations; Messages merges the two, so an echo that replaces its
// optimistic entry never changes the visible length.
package timeline

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

const (
	TempIDPrefix = "tmp-"
	maxAnomalies = 100
)

var (
	ErrNoConversation = errors.New("no active conversation")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotEditable    = errors.New("message cannot be changed")
)

// Outcome describes what applying a remote or local change did.
type Outcome int

const (
	Applied Outcome = iota
	Duplicate
	Confirmed
	Routed
	Buffered
	Dropped
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Confirmed:
		return "confirmed"
	case Routed:
		return "routed"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	default:
		return "ignored"
	}
}

// Anomaly records an edit or delete whose target never showed up.
type Anomaly struct {
	Kind      string    `json:"kind"`
	MessageID string    `json:"messageId"`
	At        time.Time `json:"at"`
}

type orphanOp struct {
	deleted bool
	content string
	at      time.Time
}

type Config struct {
	// EchoMatchWindow bounds the createdAt distance for matching an echo
	// without a client id to a pending send.
	EchoMatchWindow time.Duration
	Now             func() time.Time
	NewID           func() string
}

type SendOptions struct {
	Type     model.MessageType
	MediaURL string
	// ReplyTo may carry only a message id; the snippet is filled from the
	// loaded messages when possible.
	ReplyTo *model.ReplyRef
}

// Timeline is not safe for concurrent use.
type Timeline struct {
	cfg  Config
	self model.Sender
	log  zerolog.Logger

	conversation string
	loadGen      uint64
	loading      bool
	loadErr      error

	messages  []model.Message
	outbox    map[string]*model.Message
	orphans   map[string][]orphanOp
	anomalies []Anomaly
}

func New(cfg Config) *Timeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.EchoMatchWindow <= 0 {
		cfg.EchoMatchWindow = 5 * time.Second
	}
	return &Timeline{
		cfg:     cfg,
		log:     logging.Component("timeline"),
		outbox:  make(map[string]*model.Message),
		orphans: make(map[string][]orphanOp),
	}
}

func (t *Timeline) SetSelf(s model.Sender) { t.self = s }

// Conversation returns the loaded (or loading) conversation id.
func (t *Timeline) Conversation() string { return t.conversation }

func (t *Timeline) Loading() bool { return t.loading }

func (t *Timeline) LoadError() error { return t.loadErr }

// BeginLoad starts a load of id and returns its generation. Switching to a
// different conversation clears the page at once; reloading the same one
// keeps it visible until the new page lands.
func (t *Timeline) BeginLoad(id string) uint64 {
	t.loadGen++
	if id != t.conversation {
		t.conversation = id
		t.messages = nil
	}
	t.loadErr = nil
	t.loading = id != ""
	return t.loadGen
}

// CompleteLoad installs a page if gen is still the latest load. Pending sends
// whose echo is already in the page are confirmed; the rest stay pending.
func (t *Timeline) CompleteLoad(gen uint64, page []model.Message) bool {
	if gen != t.loadGen {
		return false
	}
	t.loading = false
	t.loadErr = nil

	msgs := make([]model.Message, 0, len(page))
	seen := make(map[string]bool, len(page))
	for _, m := range page {
		if m.ID == "" || seen[m.ID] || m.ConversationID != "" && m.ConversationID != t.conversation {
			continue
		}
		seen[m.ID] = true
		m = m.Clone()
		m.ConversationID = t.conversation
		if m.State == "" {
			m.State = model.StateSent
		}
		msgs = append(msgs, m)
	}
	slices.SortFunc(msgs, func(a, b model.Message) int { return model.Compare(&a, &b) })
	t.messages = msgs

	for i := range t.messages {
		if p := t.matchPending(&t.messages[i]); p != nil {
			delete(t.outbox, p.ClientID)
		}
	}
	for i := range t.messages {
		t.drainOrphans(t.messages[i].ID)
	}
	return true
}

// FailLoad records a failed load. The previous page, if any, is kept.
func (t *Timeline) FailLoad(gen uint64, err error) bool {
	if gen != t.loadGen {
		return false
	}
	t.loading = false
	t.loadErr = err
	return true
}

// Send adds an optimistic message to the active conversation. The caller
// emits SendEvent(msg) and arms the echo timeout for msg.ClientID.
func (t *Timeline) Send(content string, opts SendOptions) (model.Message, error) {
	if t.conversation == "" {
		return model.Message{}, ErrNoConversation
	}
	if strings.TrimSpace(content) == "" && opts.MediaURL == "" {
		return model.Message{}, ErrEmptyMessage
	}
	if opts.Type == "" {
		opts.Type = model.TypeText
	}

	clientID := t.cfg.NewID()
	m := &model.Message{
		ID:             TempIDPrefix + clientID,
		ClientID:       clientID,
		ConversationID: t.conversation,
		Sender:         t.self,
		Content:        content,
		Type:           opts.Type,
		MediaURL:       opts.MediaURL,
		State:          model.StateSending,
		IsRead:         true,
		ReplyTo:        t.replyRef(opts.ReplyTo),
		CreatedAt:      t.cfg.Now(),
	}
	t.outbox[clientID] = m
	return m.Clone(), nil
}

// SendEvent builds the socket payload for a pending message.
func SendEvent(m model.Message) model.SendMessage {
	return model.SendMessage{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    m.Type,
		MediaURL:       m.MediaURL,
		ReplyTo:        m.ReplyTo,
		ClientID:       m.ClientID,
	}
}

// ExpireSend marks a send that is still waiting for its echo as failed.
func (t *Timeline) ExpireSend(clientID string) bool {
	m, ok := t.outbox[clientID]
	if !ok || m.State != model.StateSending {
		return false
	}
	m.State = model.StateFailed
	metrics.ReconcileOutcomes.WithLabelValues("timeout").Inc()
	t.log.Warn().Str("client_id", clientID).Str("conversation", m.ConversationID).Msg("send not echoed in time")
	return true
}

// Retry moves a failed send back to sending and returns it for re-emission
// with the same client id.
func (t *Timeline) Retry(tempID string) (model.Message, error) {
	m := t.pendingByID(tempID)
	if m == nil {
		return model.Message{}, ErrUnknownMessage
	}
	if m.State != model.StateFailed {
		return model.Message{}, ErrNotEditable
	}
	m.State = model.StateSending
	return m.Clone(), nil
}

// Dismiss drops a failed send.
func (t *Timeline) Dismiss(tempID string) error {
	m := t.pendingByID(tempID)
	if m == nil {
		return ErrUnknownMessage
	}
	if m.State != model.StateFailed {
		return ErrNotEditable
	}
	delete(t.outbox, m.ClientID)
	return nil
}

// ApplyRemoteNew handles new_message. An echo of our own send confirms the
// pending entry wherever it lives; the message is inserted only if it belongs
// to the loaded conversation and is not already present.
func (t *Timeline) ApplyRemoteNew(msg model.Message) Outcome {
	msg = msg.Clone()
	confirmed := false
	if p := t.matchPending(&msg); p != nil {
		delete(t.outbox, p.ClientID)
		confirmed = true
	}

	if msg.ConversationID != t.conversation || t.conversation == "" {
		return Routed
	}
	if t.find(msg.ID) >= 0 {
		if confirmed {
			return Confirmed
		}
		return Duplicate
	}

	switch {
	case confirmed:
		msg.State = model.StateConfirmed
	case msg.State == "":
		msg.State = model.StateSent
	}
	t.insert(msg)
	t.drainOrphans(msg.ID)

	if confirmed {
		return Confirmed
	}
	return Applied
}

// ApplyRemoteEdit handles message_updated. Unknown targets are buffered for
// one retry.
func (t *Timeline) ApplyRemoteEdit(id, content string, at time.Time) Outcome {
	if at.IsZero() {
		at = t.cfg.Now()
	}
	i := t.find(id)
	if i < 0 {
		return t.buffer(id, orphanOp{content: content, at: at})
	}
	return applyEdit(&t.messages[i], content, at)
}

// ApplyRemoteDelete handles message_removed.
func (t *Timeline) ApplyRemoteDelete(id string) Outcome {
	i := t.find(id)
	if i < 0 {
		return t.buffer(id, orphanOp{deleted: true, at: t.cfg.Now()})
	}
	return applyDelete(&t.messages[i])
}

// Edit applies a local edit and returns the event to emit.
func (t *Timeline) Edit(id, content string) (model.MessageEdited, error) {
	i := t.find(id)
	if i < 0 {
		return model.MessageEdited{}, ErrUnknownMessage
	}
	m := &t.messages[i]
	if m.IsDeleted || m.Sender.ID != t.self.ID || strings.TrimSpace(content) == "" {
		return model.MessageEdited{}, ErrNotEditable
	}
	applyEdit(m, content, t.cfg.Now())
	return model.MessageEdited{MessageID: id, Content: content}, nil
}

// Delete tombstones a local message and returns the event to emit.
func (t *Timeline) Delete(id string) (model.MessageDeleted, error) {
	i := t.find(id)
	if i < 0 {
		return model.MessageDeleted{}, ErrUnknownMessage
	}
	m := &t.messages[i]
	if m.Sender.ID != t.self.ID {
		return model.MessageDeleted{}, ErrNotEditable
	}
	applyDelete(m)
	return model.MessageDeleted{MessageID: id}, nil
}

// ApplyPin sets the pin flag. Pins are not buffered.
func (t *Timeline) ApplyPin(id string, pinned bool) Outcome {
	i := t.find(id)
	if i < 0 {
		return Ignored
	}
	if t.messages[i].IsPinned == pinned {
		return Duplicate
	}
	t.messages[i].IsPinned = pinned
	return Applied
}

// IsPinned reports the pin flag of a loaded message.
func (t *Timeline) IsPinned(id string) (pinned, ok bool) {
	i := t.find(id)
	if i < 0 {
		return false, false
	}
	return t.messages[i].IsPinned, true
}

// ApplyReadReceipt marks ids as read by readBy. A reader cannot mark its own
// messages. It returns the number of messages that changed.
func (t *Timeline) ApplyReadReceipt(ids []string, readBy string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for i := range t.messages {
		m := &t.messages[i]
		if want[m.ID] && !m.IsRead && m.Sender.ID != readBy {
			m.IsRead = true
			n++
		}
	}
	return n
}

// MarkRead returns the ids of loaded messages from other senders that are not
// yet read and flags them read. The caller emits one message_read for the
// batch in the same turn.
func (t *Timeline) MarkRead() []string {
	var ids []string
	for i := range t.messages {
		m := &t.messages[i]
		if !m.IsRead && m.Sender.ID != t.self.ID {
			ids = append(ids, m.ID)
			m.IsRead = true
		}
	}
	return ids
}

// RetryOrphan reapplies buffered edits and deletes for id once. If the target
// is still missing they are dropped and recorded as anomalies.
func (t *Timeline) RetryOrphan(id string) Outcome {
	ops, ok := t.orphans[id]
	if !ok {
		return Ignored
	}
	delete(t.orphans, id)

	i := t.find(id)
	if i < 0 {
		for _, op := range ops {
			kind := "orphan_edit"
			if op.deleted {
				kind = "orphan_delete"
			}
			t.recordAnomaly(kind, id)
		}
		return Dropped
	}
	out := Duplicate
	for _, op := range ops {
		if t.applyOp(&t.messages[i], op) == Applied {
			out = Applied
		}
	}
	return out
}

// Messages returns the loaded conversation's messages merged with its pending
// sends, in (createdAt, id) order.
func (t *Timeline) Messages() []model.Message {
	out := make([]model.Message, 0, len(t.messages)+len(t.outbox))
	for _, m := range t.messages {
		out = append(out, m.Clone())
	}
	for _, m := range t.outbox {
		if m.ConversationID == t.conversation {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int { return model.Compare(&a, &b) })
	return out
}

// Pending returns the unconfirmed sends of a conversation, oldest first.
func (t *Timeline) Pending(conversationID string) []model.Message {
	var out []model.Message
	for _, m := range t.outbox {
		if m.ConversationID == conversationID {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int { return model.Compare(&a, &b) })
	return out
}

func (t *Timeline) Anomalies() []Anomaly {
	return slices.Clone(t.anomalies)
}

// Reset forgets everything, as on logout.
func (t *Timeline) Reset() {
	t.loadGen++
	t.conversation = ""
	t.loading = false
	t.loadErr = nil
	t.messages = nil
	clear(t.outbox)
	clear(t.orphans)
	t.anomalies = nil
}

// matchPending finds the outbox entry msg confirms: by client id, or for an
// echo without one, the oldest pending send from us with the same content in
// the same conversation within the match window.
func (t *Timeline) matchPending(msg *model.Message) *model.Message {
	if msg.ClientID != "" {
		if p, ok := t.outbox[msg.ClientID]; ok {
			metrics.ReconcileOutcomes.WithLabelValues("client_id").Inc()
			return p
		}
		return nil
	}
	if msg.Sender.ID == "" || msg.Sender.ID != t.self.ID {
		return nil
	}

	var best *model.Message
	for _, p := range t.outbox {
		if p.ConversationID != msg.ConversationID || p.Content != msg.Content {
			continue
		}
		d := msg.CreatedAt.Sub(p.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d > t.cfg.EchoMatchWindow {
			continue
		}
		if best == nil || model.Compare(p, best) < 0 {
			best = p
		}
	}
	if best != nil {
		metrics.ReconcileOutcomes.WithLabelValues("heuristic").Inc()
	}
	return best
}

func (t *Timeline) pendingByID(tempID string) *model.Message {
	for _, m := range t.outbox {
		if m.ID == tempID {
			return m
		}
	}
	return nil
}

func (t *Timeline) find(id string) int {
	return slices.IndexFunc(t.messages, func(m model.Message) bool { return m.ID == id })
}

func (t *Timeline) insert(m model.Message) {
	i, _ := slices.BinarySearchFunc(t.messages, &m, func(e model.Message, target *model.Message) int {
		return model.Compare(&e, target)
	})
	t.messages = slices.Insert(t.messages, i, m)
}

func (t *Timeline) buffer(id string, op orphanOp) Outcome {
	t.orphans[id] = append(t.orphans[id], op)
	t.log.Debug().Str("message", id).Bool("delete", op.deleted).Msg("buffering change for unknown message")
	return Buffered
}

func (t *Timeline) drainOrphans(id string) {
	ops, ok := t.orphans[id]
	if !ok {
		return
	}
	delete(t.orphans, id)
	i := t.find(id)
	for _, op := range ops {
		t.applyOp(&t.messages[i], op)
	}
}

func (t *Timeline) applyOp(m *model.Message, op orphanOp) Outcome {
	if op.deleted {
		return applyDelete(m)
	}
	return applyEdit(m, op.content, op.at)
}

func (t *Timeline) recordAnomaly(kind, id string) {
	metrics.ReconcileAnomalies.WithLabelValues(kind).Inc()
	t.log.Warn().Str("kind", kind).Str("message", id).Msg("dropping change for message that never arrived")

	t.anomalies = append(t.anomalies, Anomaly{Kind: kind, MessageID: id, At: t.cfg.Now()})
	if n := len(t.anomalies); n > maxAnomalies {
		t.anomalies = slices.Delete(t.anomalies, 0, n-maxAnomalies)
	}
}

// replyRef fills the reply snippet from the loaded message when the caller
// only knows the id.
func (t *Timeline) replyRef(r *model.ReplyRef) *model.ReplyRef {
	if r == nil || r.MessageID == "" {
		return nil
	}
	out := *r
	if i := t.find(r.MessageID); i >= 0 {
		target := t.messages[i]
		if out.SenderName == "" {
			out.SenderName = target.Sender.DisplayName
		}
		if out.Content == "" {
			out.Content = target.Content
		}
	}
	return &out
}

// applyEdit is idempotent: the same content twice, an edit no newer than the
// last one recorded, or any edit of a tombstone leaves the message unchanged.
func applyEdit(m *model.Message, content string, at time.Time) Outcome {
	if m.IsDeleted || m.Content == content {
		return Duplicate
	}
	if n := len(m.EditHistory); n > 0 && !at.After(m.EditHistory[n-1].EditedAt) {
		return Duplicate
	}
	m.EditHistory = append(m.EditHistory, model.EditRecord{PreviousContent: m.Content, EditedAt: at})
	m.Content = content
	m.IsEdited = true
	return Applied
}

func applyDelete(m *model.Message) Outcome {
	if m.IsDeleted {
		return Duplicate
	}
	m.Tombstone()
	return Applied
}
