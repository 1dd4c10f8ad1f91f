package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Event names as they appear on the wire.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventMessageRead      = "message_read"
	EventMessageEdited    = "message_edited"
	EventMessageDeleted   = "message_deleted"
	EventUpdateStatus     = "update_status"

	EventNewMessage           = "new_message"
	EventUserTyping           = "user_typing"
	EventMessagesRead         = "messages_read"
	EventUserStatusChange     = "user_status_change"
	EventMessageUpdated       = "message_updated"
	EventMessageRemoved       = "message_removed"
	EventMessagePinned        = "message_pinned"
	EventConversationCreated  = "conversation_created"
	EventSupportStatusChanged = "support_status_changed"
)

var ErrUnknownEvent = errors.New("unknown event")

// Frame is the envelope of every websocket text frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a server-to-client event. The set of implementations is closed;
// handlers switch over the concrete types.
type Inbound interface {
	EventName() string
	inbound()
}

// Outbound is a client-to-server event.
type Outbound interface {
	EventName() string
	outbound()
}

type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type UserTyping struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

type MessagesRead struct {
	MessageIDs []string `json:"messageIds"`
	ReadBy     string   `json:"readBy"`
}

type UserStatusChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type MessageUpdated struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	IsEdited  bool      `json:"isEdited"`
	EditedAt  time.Time `json:"editedAt"`
}

type MessageRemoved struct {
	MessageID string `json:"messageId"`
}

type MessagePinned struct {
	MessageID string `json:"messageId"`
	IsPinned  bool   `json:"isPinned"`
}

type ConversationCreated struct {
	Conversation Conversation `json:"conversation"`
}

type SupportStatusChanged struct {
	ConversationID string        `json:"conversationId"`
	Status         SupportStatus `json:"status"`
}

func (NewMessage) EventName() string           { return EventNewMessage }
func (UserTyping) EventName() string           { return EventUserTyping }
func (MessagesRead) EventName() string         { return EventMessagesRead }
func (UserStatusChange) EventName() string     { return EventUserStatusChange }
func (MessageUpdated) EventName() string       { return EventMessageUpdated }
func (MessageRemoved) EventName() string       { return EventMessageRemoved }
func (MessagePinned) EventName() string        { return EventMessagePinned }
func (ConversationCreated) EventName() string  { return EventConversationCreated }
func (SupportStatusChanged) EventName() string { return EventSupportStatusChanged }

func (NewMessage) inbound()           {}
func (UserTyping) inbound()           {}
func (MessagesRead) inbound()         {}
func (UserStatusChange) inbound()     {}
func (MessageUpdated) inbound()       {}
func (MessageRemoved) inbound()       {}
func (MessagePinned) inbound()        {}
func (ConversationCreated) inbound()  {}
func (SupportStatusChanged) inbound() {}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type SendMessage struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	ReplyTo        *ReplyRef   `json:"replyTo,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
}

type MessageRead struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type MessageEdited struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

type UpdateStatus struct {
	Status string `json:"status"`
}

func (JoinConversation) EventName() string { return EventJoinConversation }
func (SendMessage) EventName() string      { return EventSendMessage }
func (TypingStart) EventName() string      { return EventTypingStart }
func (TypingStop) EventName() string       { return EventTypingStop }
func (MessageRead) EventName() string      { return EventMessageRead }
func (MessageEdited) EventName() string    { return EventMessageEdited }
func (MessageDeleted) EventName() string   { return EventMessageDeleted }
func (UpdateStatus) EventName() string     { return EventUpdateStatus }

func (JoinConversation) outbound() {}
func (SendMessage) outbound()      {}
func (TypingStart) outbound()      {}
func (TypingStop) outbound()       {}
func (MessageRead) outbound()      {}
func (MessageEdited) outbound()    {}
func (MessageDeleted) outbound()   {}
func (UpdateStatus) outbound()     {}

// Encode wraps an event in a Frame and marshals it.
func Encode(ev interface{ EventName() string }) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Frame{Event: ev.EventName(), Data: data})
}

// DecodeInbound parses a frame sent by the server.
func DecodeInbound(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return DecodeFrame(f)
}

// DecodeFrame decodes the payload of an already parsed server frame.
func DecodeFrame(f Frame) (Inbound, error) {
	var ev Inbound
	var err error
	switch f.Event {
	case EventNewMessage:
		ev, err = decodeAs[NewMessage](f.Data)
	case EventUserTyping:
		ev, err = decodeAs[UserTyping](f.Data)
	case EventMessagesRead:
		ev, err = decodeAs[MessagesRead](f.Data)
	case EventUserStatusChange:
		ev, err = decodeAs[UserStatusChange](f.Data)
	case EventMessageUpdated:
		ev, err = decodeAs[MessageUpdated](f.Data)
	case EventMessageRemoved:
		ev, err = decodeAs[MessageRemoved](f.Data)
	case EventMessagePinned:
		ev, err = decodeAs[MessagePinned](f.Data)
	case EventConversationCreated:
		ev, err = decodeAs[ConversationCreated](f.Data)
	case EventSupportStatusChanged:
		ev, err = decodeAs[SupportStatusChanged](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

// DecodeOutbound parses a frame sent by a client.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var ev Outbound
	var err error
	switch f.Event {
	case EventJoinConversation:
		ev, err = decodeAs[JoinConversation](f.Data)
	case EventSendMessage:
		ev, err = decodeAs[SendMessage](f.Data)
	case EventTypingStart:
		ev, err = decodeAs[TypingStart](f.Data)
	case EventTypingStop:
		ev, err = decodeAs[TypingStop](f.Data)
	case EventMessageRead:
		ev, err = decodeAs[MessageRead](f.Data)
	case EventMessageEdited:
		ev, err = decodeAs[MessageEdited](f.Data)
	case EventMessageDeleted:
		ev, err = decodeAs[MessageDeleted](f.Data)
	case EventUpdateStatus:
		ev, err = decodeAs[UpdateStatus](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
