package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatsync/pkg/model"
)

var ErrNotFound = errors.New("not found")

// Store holds the chat tables. The api reads and mutates conversations, the
// messaging worker appends messages and receipts.
type Store struct {
	s   *Session
	now func() time.Time
}

func NewStore(s *Session) *Store {
	return &Store{s: s, now: time.Now}
}

func (st *Store) UpsertUser(ctx context.Context, u model.Participant) error {
	err := st.s.Query(`INSERT INTO users (id, display_name, role, avatar) VALUES (?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Role, u.Avatar).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// participants resolves ids through the users table. Unknown users keep their
// id as display name.
func (st *Store) participants(ctx context.Context, ids []string) ([]model.Participant, error) {
	out := make([]model.Participant, 0, len(ids))
	for _, id := range ids {
		p := model.Participant{ID: id, DisplayName: id}
		err := st.s.Query(`SELECT display_name, role, avatar FROM users WHERE id = ?`, id).
			WithContext(ctx).Scan(&p.DisplayName, &p.Role, &p.Avatar)
		if err != nil && !errors.Is(err, gocql.ErrNotFound) {
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		if p.DisplayName == "" {
			p.DisplayName = id
		}
		out = append(out, p)
	}
	return out, nil
}

type conversationRow struct {
	id, kind, subject, supportStatus string
	participantIDs                   []string
	lastID, lastSenderID, lastSender string
	lastContent, lastType            string
	lastActivityAt, createdAt        time.Time
}

func (r *conversationRow) toModel(participants []model.Participant, unread int) model.Conversation {
	c := model.Conversation{
		ID:             r.id,
		Kind:           model.ConversationKind(r.kind),
		Participants:   participants,
		LastActivityAt: r.lastActivityAt,
		MyUnreadCount:  unread,
		SupportStatus:  model.SupportStatus(r.supportStatus),
	}
	if c.LastActivityAt.IsZero() {
		c.LastActivityAt = r.createdAt
	}
	if r.lastID != "" {
		c.LastMessage = &model.MessageSummary{
			ID:         r.lastID,
			SenderID:   r.lastSenderID,
			SenderName: r.lastSender,
			Content:    r.lastContent,
			Type:       model.MessageType(r.lastType),
			CreatedAt:  r.lastActivityAt,
		}
	}
	return c
}

func (st *Store) conversationRow(ctx context.Context, id string) (*conversationRow, error) {
	r := &conversationRow{id: id}
	err := st.s.Query(`SELECT kind, subject, support_status, participant_ids, last_message_id,
		last_message_sender_id, last_message_sender_name, last_message_content, last_message_type,
		last_activity_at, created_at FROM conversations WHERE id = ?`, id).WithContext(ctx).
		Scan(&r.kind, &r.subject, &r.supportStatus, &r.participantIDs, &r.lastID,
			&r.lastSenderID, &r.lastSender, &r.lastContent, &r.lastType,
			&r.lastActivityAt, &r.createdAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return r, nil
}

// Conversation returns one conversation without a per-user unread count.
func (st *Store) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	r, err := st.conversationRow(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	ps, err := st.participants(ctx, r.participantIDs)
	if err != nil {
		return model.Conversation{}, err
	}
	return r.toModel(ps, 0), nil
}

// Conversations lists every conversation userID takes part in, most recent
// activity first.
func (st *Store) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := st.s.Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", userID, err)
	}

	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		r, err := st.conversationRow(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ps, err := st.participants(ctx, r.participantIDs)
		if err != nil {
			return nil, err
		}
		unread, err := st.unread(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r.toModel(ps, unread))
	}
	slices.SortStableFunc(out, func(a, b model.Conversation) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	return out, nil
}

func (st *Store) unread(ctx context.Context, userID, conversationID string) (int, error) {
	var n int64
	err := st.s.Query(`SELECT unread_count FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).WithContext(ctx).Scan(&n)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load unread count: %w", err)
	}
	return int(max(n, 0)), nil
}

// PairKey identifies the direct conversation between two users regardless of
// argument order.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// DirectConversation returns the id of the direct conversation between a and b.
func (st *Store) DirectConversation(ctx context.Context, a, b string) (string, error) {
	var id string
	err := st.s.Query(`SELECT conversation_id FROM direct_conversations WHERE pair = ?`, PairKey(a, b)).
		WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup direct conversation: %w", err)
	}
	return id, nil
}

// CreateConversation stores c and indexes it for each participant.
func (st *Store) CreateConversation(ctx context.Context, c model.Conversation, subject string) error {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.ID
	}
	created := c.LastActivityAt
	if created.IsZero() {
		created = st.now()
	}

	if err := st.s.Query(`INSERT INTO conversations (id, kind, subject, support_status, participant_ids, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), subject, string(c.SupportStatus), ids, created, created).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert conversation %s: %w", c.ID, err)
	}
	for _, id := range ids {
		if err := st.s.Query(`INSERT INTO user_conversations (user_id, conversation_id, joined_at) VALUES (?, ?, ?)`,
			id, c.ID, created).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("index conversation %s for %s: %w", c.ID, id, err)
		}
	}
	if c.Kind == model.KindDirect && len(ids) == 2 {
		if err := st.s.Query(`INSERT INTO direct_conversations (pair, conversation_id) VALUES (?, ?)`,
			PairKey(ids[0], ids[1]), c.ID).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("index direct conversation %s: %w", c.ID, err)
		}
	}
	return nil
}

func (st *Store) SetSupportStatus(ctx context.Context, id string, status model.SupportStatus) error {
	if err := st.s.Query(`UPDATE conversations SET support_status = ? WHERE id = ?`, string(status), id).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("set support status of %s: %w", id, err)
	}
	return nil
}

type messageRow struct {
	id, clientID, senderID, senderName, senderRole string
	content, messageType, mediaURL                 string
	replyToID, replyToSender, replyToContent       string
	isEdited, isDeleted, isPinned                  bool
	createdAt                                      time.Time
}

const messageColumns = `id, client_id, sender_id, sender_name, sender_role, content, message_type, media_url,
	reply_to_id, reply_to_sender, reply_to_content, is_edited, is_deleted, is_pinned, created_at`

func (r *messageRow) dest() []any {
	return []any{&r.id, &r.clientID, &r.senderID, &r.senderName, &r.senderRole, &r.content,
		&r.messageType, &r.mediaURL, &r.replyToID, &r.replyToSender, &r.replyToContent,
		&r.isEdited, &r.isDeleted, &r.isPinned, &r.createdAt}
}

func (r *messageRow) toModel(conversationID string) model.Message {
	m := model.Message{
		ID:             r.id,
		ClientID:       r.clientID,
		ConversationID: conversationID,
		Sender:         model.Sender{ID: r.senderID, DisplayName: r.senderName, Role: r.senderRole},
		Content:        r.content,
		Type:           model.MessageType(r.messageType),
		MediaURL:       r.mediaURL,
		State:          model.StateConfirmed,
		IsEdited:       r.isEdited,
		IsDeleted:      r.isDeleted,
		IsPinned:       r.isPinned,
		CreatedAt:      r.createdAt,
	}
	if r.replyToID != "" {
		m.ReplyTo = &model.ReplyRef{MessageID: r.replyToID, SenderName: r.replyToSender, Content: r.replyToContent}
	}
	if m.IsDeleted {
		m.Tombstone()
	}
	return m
}

// Messages returns the latest limit messages of a conversation, oldest first.
// A message counts as read once anyone other than its sender has read it.
func (st *Store) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	iter := st.s.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`,
		conversationID, limit).WithContext(ctx).Iter()
	var out []model.Message
	var r messageRow
	for iter.Scan(r.dest()...) {
		out = append(out, r.toModel(conversationID))
		r = messageRow{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	slices.Reverse(out)

	readers, err := st.readers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		m := &out[i]
		for _, u := range readers[m.ID] {
			if u != m.Sender.ID {
				m.IsRead = true
				break
			}
		}
		if m.IsEdited {
			if m.EditHistory, err = st.edits(ctx, m.ID); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (st *Store) readers(ctx context.Context, conversationID string) (map[string][]string, error) {
	iter := st.s.Query(`SELECT message_id, user_id FROM message_reads WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()
	out := make(map[string][]string)
	var msgID, userID string
	for iter.Scan(&msgID, &userID) {
		out[msgID] = append(out[msgID], userID)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list read receipts of %s: %w", conversationID, err)
	}
	return out, nil
}

func (st *Store) edits(ctx context.Context, messageID string) ([]model.EditRecord, error) {
	iter := st.s.Query(`SELECT previous_content, edited_at FROM message_edits WHERE message_id = ?`, messageID).
		WithContext(ctx).Iter()
	var out []model.EditRecord
	var e model.EditRecord
	for iter.Scan(&e.PreviousContent, &e.EditedAt) {
		out = append(out, e)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list edits of %s: %w", messageID, err)
	}
	return out, nil
}

// MessageConversation returns the conversation a message belongs to.
func (st *Store) MessageConversation(ctx context.Context, messageID string) (string, error) {
	var id string
	err := st.s.Query(`SELECT conversation_id FROM message_index WHERE id = ?`, messageID).WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup message %s: %w", messageID, err)
	}
	return id, nil
}

// SaveMessage appends m, moves the conversation preview forward and bumps the
// unread counter of every recipient except the sender.
func (st *Store) SaveMessage(ctx context.Context, m model.Message, recipients []string) error {
	var replyID, replySender, replyContent string
	if m.ReplyTo != nil {
		replyID, replySender, replyContent = m.ReplyTo.MessageID, m.ReplyTo.SenderName, m.ReplyTo.Content
	}
	if err := st.s.Query(`INSERT INTO messages (conversation_id, `+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.ID, m.ClientID, m.Sender.ID, m.Sender.DisplayName, m.Sender.Role, m.Content,
		string(m.Type), m.MediaURL, replyID, replySender, replyContent, false, false, false, m.CreatedAt).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	if err := st.s.Query(`INSERT INTO message_index (id, conversation_id) VALUES (?, ?)`, m.ID, m.ConversationID).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("index message %s: %w", m.ID, err)
	}
	if err := st.s.Query(`UPDATE conversations SET last_message_id = ?, last_message_sender_id = ?,
		last_message_sender_name = ?, last_message_content = ?, last_message_type = ?, last_activity_at = ?
		WHERE id = ?`,
		m.ID, m.Sender.ID, m.Sender.DisplayName, m.Content, string(m.Type), m.CreatedAt, m.ConversationID).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("update preview of %s: %w", m.ConversationID, err)
	}

	for _, u := range recipients {
		if u == m.Sender.ID {
			continue
		}
		if err := st.s.Query(`UPDATE conversation_counters SET unread_count = unread_count + 1
			WHERE user_id = ? AND conversation_id = ?`, u, m.ConversationID).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("increment unread count for %s: %w", u, err)
		}
	}
	return nil
}

// EditMessage replaces the content and records the previous one.
func (st *Store) EditMessage(ctx context.Context, conversationID, messageID, content string, editedAt time.Time) error {
	var prev string
	var deleted bool
	err := st.s.Query(`SELECT content, is_deleted FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID).WithContext(ctx).Scan(&prev, &deleted)
	if errors.Is(err, gocql.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if deleted || prev == content {
		return nil
	}

	if err := st.s.Query(`INSERT INTO message_edits (message_id, edited_at, previous_content) VALUES (?, ?, ?)`,
		messageID, editedAt, prev).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("record edit of %s: %w", messageID, err)
	}
	if err := st.s.Query(`UPDATE messages SET content = ?, is_edited = true WHERE conversation_id = ? AND id = ?`,
		content, conversationID, messageID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage tombstones a message in place.
func (st *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := st.s.Query(`UPDATE messages SET is_deleted = true, content = ?, media_url = ''
		WHERE conversation_id = ? AND id = ?`, model.TombstoneContent, conversationID, messageID).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// TogglePin flips the pin flag and returns the new value.
func (st *Store) TogglePin(ctx context.Context, conversationID, messageID string) (bool, error) {
	var pinned bool
	err := st.s.Query(`SELECT is_pinned FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID).WithContext(ctx).Scan(&pinned)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load message %s: %w", messageID, err)
	}
	pinned = !pinned
	if err := st.s.Query(`UPDATE messages SET is_pinned = ? WHERE conversation_id = ? AND id = ?`,
		pinned, conversationID, messageID).WithContext(ctx).Exec(); err != nil {
		return false, fmt.Errorf("pin message %s: %w", messageID, err)
	}
	return pinned, nil
}

// MarkRead records receipts for userID and resets the unread counter. It
// returns how many of the messages had not been read by userID before.
func (st *Store) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	updated := 0
	for _, id := range messageIDs {
		var at time.Time
		err := st.s.Query(`SELECT read_at FROM message_reads WHERE conversation_id = ? AND message_id = ? AND user_id = ?`,
			conversationID, id, userID).WithContext(ctx).Scan(&at)
		if err == nil {
			continue
		}
		if !errors.Is(err, gocql.ErrNotFound) {
			return updated, fmt.Errorf("load receipt for %s: %w", id, err)
		}
		if err := st.s.Query(`INSERT INTO message_reads (conversation_id, message_id, user_id, read_at) VALUES (?, ?, ?, ?)`,
			conversationID, id, userID, st.now()).WithContext(ctx).Exec(); err != nil {
			return updated, fmt.Errorf("record receipt for %s: %w", id, err)
		}
		updated++
	}

	// Counters cannot be set, deleting the row resets it.
	if err := st.s.Query(`DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).WithContext(ctx).Exec(); err != nil {
		return updated, fmt.Errorf("reset unread count: %w", err)
	}
	return updated, nil
}

func (st *Store) Block(ctx context.Context, userID, blockedID string) error {
	if err := st.s.Query(`INSERT INTO blocks (user_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		userID, blockedID, st.now()).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("block %s: %w", blockedID, err)
	}
	return nil
}

func (st *Store) Unblock(ctx context.Context, userID, blockedID string) error {
	if err := st.s.Query(`DELETE FROM blocks WHERE user_id = ? AND blocked_id = ?`, userID, blockedID).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("unblock %s: %w", blockedID, err)
	}
	return nil
}

// Blocked reports whether either user has blocked the other.
func (st *Store) Blocked(ctx context.Context, a, b string) (bool, error) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		var at time.Time
		err := st.s.Query(`SELECT created_at FROM blocks WHERE user_id = ? AND blocked_id = ?`, pair[0], pair[1]).
			WithContext(ctx).Scan(&at)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, gocql.ErrNotFound) {
			return false, fmt.Errorf("lookup block: %w", err)
		}
	}
	return false, nil
}

func (st *Store) Report(ctx context.Context, reporterID, reportedID, reason string) error {
	if err := st.s.Query(`INSERT INTO reports (reported_id, created_at, reporter_id, reason) VALUES (?, ?, ?, ?)`,
		reportedID, st.now(), reporterID, reason).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("report %s: %w", reportedID, err)
	}
	return nil
}
