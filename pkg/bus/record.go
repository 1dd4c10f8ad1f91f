// Package bus carries chat events between the reference services over Kafka.
//
// Every record is a server-to-client event frame plus routing metadata. The
// gateways fan records out to their sockets; the messaging worker persists
// the durable ones.
package bus

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mahaj/chatsync/pkg/model"
)

type Record struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`

	// ConversationID scopes the event. Records without recipients go to the
	// sockets that joined this conversation, or to everyone when empty.
	ConversationID string `json:"conversationId,omitempty"`

	// Recipients, when set, are the users whose sockets receive the event
	// whether or not they joined the conversation.
	Recipients []string `json:"recipients,omitempty"`

	// Origin is the user whose action produced the event.
	Origin string `json:"origin,omitempty"`
}

// Publisher puts records on the bus.
type Publisher interface {
	Publish(ctx context.Context, recs ...Record) error
}

// NewRecord wraps ev for publication.
func NewRecord(ev model.Inbound, conversationID string, recipients []string) (Record, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return Record{
		Event:          ev.EventName(),
		Data:           data,
		ConversationID: conversationID,
		Recipients:     recipients,
	}, nil
}

// Frame returns the websocket frame delivered to clients.
func (r Record) Frame() ([]byte, error) {
	return json.Marshal(model.Frame{Event: r.Event, Data: r.Data})
}

// Decode returns the typed event.
func (r Record) Decode() (model.Inbound, error) {
	return model.DecodeFrame(model.Frame{Event: r.Event, Data: r.Data})
}

// Durable reports whether the event changes stored state. Typing and status
// changes are only fanned out.
func (r Record) Durable() bool {
	switch r.Event {
	case model.EventNewMessage, model.EventMessageUpdated, model.EventMessageRemoved, model.EventMessagesRead:
		return true
	}
	return false
}
