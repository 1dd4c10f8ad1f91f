package chatsync

import (
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/timeline"
	"github.com/mahaj/chatsync/pkg/transport"
)

func (c *Client) handleStateChange(prev, next transport.State) {
	c.state = next
	c.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")

	if next == transport.Connected && prev != transport.Connected && c.token != "" {
		// Presence and typing only reflect events seen on this connection.
		c.presence.Reset()
		c.typing.Reset()
		c.rooms.HandleStateChange(prev, next)
		c.requestRefresh(nil)

		// Pick up whatever the active conversation missed while offline.
		if id := c.tl.Conversation(); id != "" && !c.tl.Loading() {
			c.startLoad(id, c.tl.BeginLoad(id))
		}
	}
	c.publish()
}

// handleEvent routes one inbound event to the aggregator that owns it.
func (c *Client) handleEvent(ev model.Inbound, gen uint64) {
	if gen != c.tr.Generation() || c.token == "" {
		metrics.StaleEvents.Inc()
		return
	}

	switch e := ev.(type) {
	case model.NewMessage:
		c.onNewMessage(e)
	case model.UserTyping:
		if e.UserID == c.self.ID {
			return
		}
		c.typing.Apply(model.TypingSignal{
			ConversationID: e.ConversationID,
			UserID:         e.UserID,
			DisplayName:    e.UserName,
			IsTyping:       e.IsTyping,
		}, c.opts.Now())
	case model.MessagesRead:
		c.tl.ApplyReadReceipt(e.MessageIDs, e.ReadBy)
	case model.UserStatusChange:
		c.presence.Apply(e.UserID, e.Status)
	case model.MessageUpdated:
		if c.tl.ApplyRemoteEdit(e.MessageID, e.Content, e.EditedAt) == timeline.Buffered {
			c.scheduleOrphanRetry(e.MessageID)
		}
	case model.MessageRemoved:
		if c.tl.ApplyRemoteDelete(e.MessageID) == timeline.Buffered {
			c.scheduleOrphanRetry(e.MessageID)
		}
	case model.MessagePinned:
		c.tl.ApplyPin(e.MessageID, e.IsPinned)
	case model.ConversationCreated:
		c.dir.Upsert(e.Conversation)
	case model.SupportStatusChanged:
		if !c.dir.SetSupportStatus(e.ConversationID, e.Status) {
			c.requestRefresh(nil)
		}
	default:
		c.log.Warn().Str("event", ev.EventName()).Msg("unhandled event")
		return
	}
	c.publish()
}

// onNewMessage feeds the timeline and the directory. The directory bump is
// needed for every message, including ones shown in the active timeline,
// because it owns the preview and ordering.
func (c *Client) onNewMessage(e model.NewMessage) {
	msg := e.Message
	if msg.ConversationID == "" {
		msg.ConversationID = e.ConversationID
	}

	out := c.tl.ApplyRemoteNew(msg)
	active := c.tl.Conversation()

	if !c.dir.BumpOnIncoming(msg.ConversationID, &msg, active) {
		c.log.Info().Str("conversation", msg.ConversationID).Msg("message for unknown conversation, resyncing")
		c.requestRefresh(nil)
	}

	// A message ends its sender's typing burst.
	c.typing.Apply(model.TypingSignal{ConversationID: msg.ConversationID, UserID: msg.Sender.ID}, c.opts.Now())

	if out == timeline.Applied && msg.ConversationID == active && msg.Sender.ID != c.self.ID {
		c.markRead()
	}
}

func (c *Client) scheduleOrphanRetry(id string) {
	if _, ok := c.orphanTimers[id]; ok {
		return
	}
	c.orphanTimers[id] = c.after(c.opts.OrphanRetryDelay, func() {
		delete(c.orphanTimers, id)
		if c.tl.RetryOrphan(id) != timeline.Ignored {
			c.publish()
		}
	})
}
