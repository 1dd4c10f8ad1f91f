package model

import "time"

type ConversationKind string

const (
	KindDirect       ConversationKind = "direct"
	KindAdminSupport ConversationKind = "admin_support"
	KindGroup        ConversationKind = "group"
)

// SupportStatus only applies to admin_support conversations.
type SupportStatus string

const (
	SupportOpen       SupportStatus = "open"
	SupportInProgress SupportStatus = "in_progress"
	SupportClosed     SupportStatus = "closed"
)

func (s SupportStatus) Valid() bool {
	switch s {
	case "", SupportOpen, SupportInProgress, SupportClosed:
		return true
	}
	return false
}

// Presence statuses with a meaning of their own. Any other reported status
// counts as online.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Participant struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	Avatar         string `json:"avatar,omitempty"`
	PresenceStatus string `json:"presenceStatus,omitempty"`
	Role           string `json:"role,omitempty"`
}

type Conversation struct {
	ID             string           `json:"id"`
	Participants   []Participant    `json:"participants"`
	Kind           ConversationKind `json:"kind"`
	LastMessage    *MessageSummary  `json:"lastMessage,omitempty"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
	MyUnreadCount  int              `json:"myUnreadCount"`
	SupportStatus  SupportStatus    `json:"supportStatus,omitempty"`
}

// Clone returns a deep copy safe to hand to consumers.
func (c Conversation) Clone() Conversation {
	c.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		s := *c.LastMessage
		c.LastMessage = &s
	}
	return c
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}
