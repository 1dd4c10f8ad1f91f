// Package rooms keeps the server-side room subscription in step with the
// conversation the user is looking at.
package rooms

import (
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/transport"
)

// Emitter is the slice of transport.Session the tracker needs. It never
// touches the connection lifecycle.
type Emitter interface {
	Emit(model.Outbound)
	State() transport.State
}

// Tracker is not safe for concurrent use; the sync client calls it from its
// event loop only.
type Tracker struct {
	em     Emitter
	active string
	log    zerolog.Logger
}

func NewTracker(em Emitter) *Tracker {
	return &Tracker{em: em, log: logging.Component("rooms")}
}

func (t *Tracker) Active() string { return t.active }

// SetActive records the active conversation and joins its room. There is no
// leave; the server scopes fan-out. While disconnected the join is deferred to
// the next connected transition.
func (t *Tracker) SetActive(id string) {
	t.active = id
	if id == "" {
		return
	}
	if t.em.State() != transport.Connected {
		t.log.Debug().Str("conversation", id).Msg("join deferred until connected")
		return
	}
	t.em.Emit(model.JoinConversation{ConversationID: id})
}

// HandleStateChange rejoins the active room when the transport comes back.
// It reports whether a join was emitted.
func (t *Tracker) HandleStateChange(prev, next transport.State) bool {
	if next != transport.Connected || prev == transport.Connected || t.active == "" {
		return false
	}
	t.log.Debug().Str("conversation", t.active).Msg("rejoining after reconnect")
	t.em.Emit(model.JoinConversation{ConversationID: t.active})
	return true
}

// Reset forgets the active room, as on logout.
func (t *Tracker) Reset() { t.active = "" }
