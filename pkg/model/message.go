package model

import (
	"cmp"
	"time"
)

// TombstoneContent replaces the content of a soft-deleted message.
const TombstoneContent = "This message was deleted"

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
	TypeVideo MessageType = "video"
)

// MessageState tracks a message through optimistic send and reconciliation.
type MessageState string

const (
	StateSending   MessageState = "sending"
	StateSent      MessageState = "sent"
	StateFailed    MessageState = "failed"
	StateConfirmed MessageState = "confirmed"
)

type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
}

type EditRecord struct {
	PreviousContent string    `json:"previousContent"`
	EditedAt        time.Time `json:"editedAt"`
}

// ReplyRef is a weak reference to another message with enough denormalized
// data to render the quote without looking the target up.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content,omitempty"`
}

type Message struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId,omitempty"`
	ConversationID string       `json:"conversationId"`
	Sender         Sender       `json:"sender"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"messageType,omitempty"`
	MediaURL       string       `json:"mediaUrl,omitempty"`
	State          MessageState `json:"state,omitempty"`
	IsRead         bool         `json:"isRead"`
	IsEdited       bool         `json:"isEdited"`
	IsPinned       bool         `json:"isPinned"`
	IsDeleted      bool         `json:"isDeleted"`
	EditHistory    []EditRecord `json:"editHistory,omitempty"`
	ReplyTo        *ReplyRef    `json:"replyTo,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Pending reports whether the message is a local send still awaiting its echo
// or one that has given up waiting.
func (m *Message) Pending() bool {
	return m.State == StateSending || m.State == StateFailed
}

// Tombstone soft-deletes the message in place.
func (m *Message) Tombstone() {
	m.IsDeleted = true
	m.Content = TombstoneContent
	m.MediaURL = ""
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	if m.EditHistory != nil {
		m.EditHistory = append([]EditRecord(nil), m.EditHistory...)
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	return m
}

// Summary projects the message into the conversation list preview.
func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:         m.ID,
		SenderID:   m.Sender.ID,
		SenderName: m.Sender.DisplayName,
		Content:    m.Content,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
	}
}

// Compare orders messages by creation time, then id.
func Compare(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

type MessageSummary struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"messageType,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"userName"`
	IsTyping       bool      `json:"isTyping"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}
