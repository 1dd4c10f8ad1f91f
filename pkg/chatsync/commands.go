package chatsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/timeline"
)

// SetCredential applies a credential change. An empty token logs out: the
// connection is closed and all state is dropped. A token for a different user
// drops state too; a rotated token for the same user keeps it.
func (c *Client) SetCredential(token string) error {
	var result error
	err := c.call(func() {
		if token == c.token {
			return
		}
		if token == "" {
			c.log.Info().Msg("credential cleared, logging out")
			c.token = ""
			c.epoch++
			c.api.SetToken("")
			c.tr.Disconnect()
			c.resetState()
			c.publish()
			return
		}

		claims, err := auth.Inspect(token)
		if err != nil {
			result = fmt.Errorf("set credential: %w", err)
			return
		}
		if claims.UserID != c.self.ID {
			if c.self.ID != "" {
				c.log.Info().Str("from", c.self.ID).Str("to", claims.UserID).Msg("user changed, dropping state")
			}
			c.resetState()
			c.epoch++
			c.self = model.Sender{ID: claims.UserID, DisplayName: claims.Name, Role: claims.Role}
			c.dir.SetSelf(claims.UserID)
			c.tl.SetSelf(c.self)
		}

		// A rotated token for the same user keeps the epoch, so requests
		// already in flight still land.
		c.token = token
		c.api.SetToken(token)
		c.tr.Connect(token)
		c.publish()
	})
	if err != nil {
		return err
	}
	return result
}

// Reconnect asks the transport to redial with the current credential, for
// triggers such as the window regaining focus.
func (c *Client) Reconnect() error {
	return c.call(func() {
		if c.token != "" {
			c.tr.Reconnect()
		}
	})
}

// SetActiveConversation switches the conversation on screen: the outgoing
// typing indicator stops, the room is joined and the page is loaded, after
// which the conversation is marked read. It returns when the load resolves,
// or ErrSuperseded if another selection started first. An empty id clears
// the selection.
func (c *Client) SetActiveConversation(ctx context.Context, id string) error {
	var wait chan error
	err := c.call(func() {
		c.stopTyping()
		c.rooms.SetActive(id)
		gen := c.tl.BeginLoad(id)
		c.resolveWaiter(ErrSuperseded)
		if id != "" {
			wait = make(chan error, 1)
			c.waiter = &loadWaiter{gen: gen, ch: wait}
			c.startLoad(id, gen)
		}
		c.publish()
	})
	if err != nil || wait == nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Send posts a message to the active conversation. The returned message is
// the optimistic entry; its state moves to confirmed on echo or failed after
// the echo timeout.
func (c *Client) Send(content string, opts timeline.SendOptions) (model.Message, error) {
	var msg model.Message
	var result error
	err := c.call(func() {
		if !c.connected() {
			result = ErrNotConnected
			return
		}
		c.stopTyping()
		m, err := c.tl.Send(content, opts)
		if err != nil {
			result = err
			return
		}
		c.emitSend(m)
		msg = m
		c.publish()
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, result
}

// Retry re-sends a failed message with its original client id.
func (c *Client) Retry(tempID string) error {
	return c.do(func() error {
		if !c.connected() {
			return ErrNotConnected
		}
		m, err := c.tl.Retry(tempID)
		if err != nil {
			return err
		}
		c.emitSend(m)
		return nil
	})
}

// Dismiss removes a failed message.
func (c *Client) Dismiss(tempID string) error {
	return c.do(func() error { return c.tl.Dismiss(tempID) })
}

func (c *Client) Edit(messageID, content string) error {
	return c.do(func() error {
		if !c.connected() {
			return ErrNotConnected
		}
		ev, err := c.tl.Edit(messageID, content)
		if err != nil {
			return err
		}
		c.tr.Emit(ev)
		return nil
	})
}

func (c *Client) Delete(messageID string) error {
	return c.do(func() error {
		if !c.connected() {
			return ErrNotConnected
		}
		ev, err := c.tl.Delete(messageID)
		if err != nil {
			return err
		}
		c.tr.Emit(ev)
		return nil
	})
}

// TogglePin flips the pin optimistically and confirms it over REST. On
// failure the previous value is restored.
func (c *Client) TogglePin(ctx context.Context, messageID string) (bool, error) {
	var before bool
	if err := c.do(func() error {
		pinned, ok := c.tl.IsPinned(messageID)
		if !ok {
			return ErrUnknownMessage
		}
		before = pinned
		c.tl.ApplyPin(messageID, !pinned)
		return nil
	}); err != nil {
		return false, err
	}

	pinned, apiErr := c.api.TogglePin(ctx, messageID)
	err := c.call(func() {
		if apiErr != nil {
			c.tl.ApplyPin(messageID, before)
		} else {
			c.tl.ApplyPin(messageID, pinned)
		}
		c.publish()
	})
	if apiErr != nil {
		return before, fmt.Errorf("toggle pin: %w", apiErr)
	}
	return pinned, err
}

// StartTyping registers a keystroke in the active conversation.
func (c *Client) StartTyping() error {
	return c.do(func() error {
		conv := c.tl.Conversation()
		if conv == "" {
			return ErrNoConversation
		}
		if cur := c.typist.Conversation(); cur != "" && cur != conv {
			c.stopTyping()
		}
		start, token := c.typist.Touch(conv)
		if start {
			c.tr.Emit(model.TypingStart{ConversationID: conv})
		}
		if c.typingTimer != nil {
			c.typingTimer.Stop()
		}
		c.typingTimer = c.after(c.typist.Idle(), func() {
			if id, ok := c.typist.Expire(token); ok {
				c.tr.Emit(model.TypingStop{ConversationID: id})
			}
		})
		return nil
	})
}

func (c *Client) StopTyping() error {
	return c.call(c.stopTyping)
}

// MarkRead sends read receipts for everything unread in the active
// conversation.
func (c *Client) MarkRead() error {
	return c.call(func() {
		c.markRead()
		c.publish()
	})
}

// SetStatus broadcasts our presence status.
func (c *Client) SetStatus(status string) error {
	return c.do(func() error {
		if !c.connected() {
			return ErrNotConnected
		}
		c.tr.Emit(model.UpdateStatus{Status: status})
		c.presence.Apply(c.self.ID, status)
		return nil
	})
}

// Refresh reloads the conversation list. Calls made while a refresh is in
// flight share one follow-up request.
func (c *Client) Refresh(ctx context.Context) error {
	ch := make(chan error, 1)
	if err := c.call(func() { c.requestRefresh(ch) }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) CreateConversation(ctx context.Context, participantID string) (model.Conversation, error) {
	conv, err := c.api.CreateConversation(ctx, participantID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, c.call(func() {
		c.dir.Upsert(conv)
		c.publish()
	})
}

func (c *Client) CreateSupportConversation(ctx context.Context, subject string) (model.Conversation, error) {
	conv, err := c.api.CreateSupportConversation(ctx, subject)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create support conversation: %w", err)
	}
	return conv, c.call(func() {
		c.dir.Upsert(conv)
		c.publish()
	})
}

func (c *Client) Block(ctx context.Context, userID string) error {
	if err := c.api.Block(ctx, userID); err != nil {
		return fmt.Errorf("block %s: %w", userID, err)
	}
	return nil
}

func (c *Client) Unblock(ctx context.Context, userID string) error {
	if err := c.api.Unblock(ctx, userID); err != nil {
		return fmt.Errorf("unblock %s: %w", userID, err)
	}
	return nil
}

func (c *Client) Report(ctx context.Context, userID, reason string) error {
	if err := c.api.Report(ctx, userID, reason); err != nil {
		return fmt.Errorf("report %s: %w", userID, err)
	}
	return nil
}

// do runs fn on the loop, publishes on success and returns fn's error.
func (c *Client) do(fn func() error) error {
	var result error
	if err := c.call(func() {
		result = fn()
		if result == nil {
			c.publish()
		}
	}); err != nil {
		return err
	}
	return result
}

func (c *Client) emitSend(m model.Message) {
	c.tr.Emit(timeline.SendEvent(m))

	clientID := m.ClientID
	if t, ok := c.echoTimers[clientID]; ok {
		t.Stop()
	}
	c.echoTimers[clientID] = c.after(c.opts.EchoTimeout, func() {
		delete(c.echoTimers, clientID)
		if c.tl.ExpireSend(clientID) {
			c.publish()
		}
	})
}

func (c *Client) stopTyping() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if conv, ok := c.typist.Stop(); ok {
		c.tr.Emit(model.TypingStop{ConversationID: conv})
	}
}

// markRead flags the active page read and sends one batched receipt, over
// the socket when connected and REST otherwise.
func (c *Client) markRead() {
	conv := c.tl.Conversation()
	if conv == "" {
		return
	}
	c.dir.ClearUnread(conv)
	ids := c.tl.MarkRead()
	if len(ids) == 0 {
		return
	}
	if c.connected() {
		c.tr.Emit(model.MessageRead{ConversationID: conv, MessageIDs: ids})
		return
	}
	go func() {
		ctx, cancel := c.requestCtx()
		defer cancel()
		if _, err := c.api.MarkRead(ctx, conv, ids); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("conversation", conv).Msg("read receipt failed")
		}
	}()
}

func (c *Client) startLoad(id string, gen uint64) {
	epoch := c.epoch
	go func() {
		ctx, cancel := c.requestCtx()
		defer cancel()
		msgs, err := c.api.Messages(ctx, id, c.opts.PageSize)
		c.post(func() {
			if epoch != c.epoch {
				return
			}
			c.finishLoad(gen, msgs, err)
		})
	}()
}

func (c *Client) finishLoad(gen uint64, msgs []model.Message, err error) {
	if err != nil {
		if c.tl.FailLoad(gen, err) {
			c.log.Warn().Err(err).Str("conversation", c.tl.Conversation()).Msg("could not load messages")
			c.resolveLoad(gen, fmt.Errorf("load messages: %w", err))
			c.publish()
		}
		return
	}
	if !c.tl.CompleteLoad(gen, msgs) {
		return
	}
	c.markRead()
	c.resolveLoad(gen, nil)
	c.publish()
}

func (c *Client) resolveLoad(gen uint64, err error) {
	if c.waiter != nil && c.waiter.gen == gen {
		c.waiter.ch <- err
		c.waiter = nil
	}
}

func (c *Client) resolveWaiter(err error) {
	if c.waiter != nil {
		c.waiter.ch <- err
		c.waiter = nil
	}
}

// requestRefresh starts a directory refresh or, if one is running, queues a
// single follow-up. ch, if not nil, receives the result of the refresh that
// covers this request.
func (c *Client) requestRefresh(ch chan error) {
	if c.refreshing {
		c.refreshAgain = true
		if ch != nil {
			c.nextWaiters = append(c.nextWaiters, ch)
		}
		return
	}
	if ch != nil {
		c.refreshWaiters = append(c.refreshWaiters, ch)
	}
	c.refreshing = true
	epoch := c.epoch

	go func() {
		ctx, cancel := c.requestCtx()
		defer cancel()
		list, err := c.api.Conversations(ctx)
		c.post(func() { c.finishRefresh(epoch, list, err) })
	}()
}

func (c *Client) finishRefresh(epoch uint64, list []model.Conversation, err error) {
	c.refreshing = false
	stale := epoch != c.epoch

	switch {
	case stale:
		err = ErrSuperseded
	case err != nil:
		c.refreshErr = err
		c.log.Warn().Err(err).Msg("conversation refresh failed")
		err = fmt.Errorf("refresh conversations: %w", err)
	default:
		c.refreshErr = nil
		c.dir.Replace(list)
		c.seedPresence(list)
		metrics.DirectoryResyncs.Inc()
	}
	c.resolveRefresh(err)

	if c.refreshAgain && c.token != "" {
		c.refreshAgain = false
		c.refreshWaiters, c.nextWaiters = c.nextWaiters, nil
		c.requestRefresh(nil)
	}
	c.publish()
}

func (c *Client) resolveRefresh(err error) {
	for _, ch := range c.refreshWaiters {
		ch <- err
	}
	c.refreshWaiters = nil
	if c.token == "" || errors.Is(err, ErrClosed) {
		for _, ch := range c.nextWaiters {
			ch <- err
		}
		c.nextWaiters = nil
		c.refreshAgain = false
	}
}

// seedPresence takes the statuses embedded in a fresh conversation list as
// the presence baseline after a reconnect.
func (c *Client) seedPresence(list []model.Conversation) {
	for _, conv := range list {
		for _, p := range conv.Participants {
			if p.ID != c.self.ID && p.PresenceStatus != "" {
				c.presence.Apply(p.ID, p.PresenceStatus)
			}
		}
	}
}

// resetState drops everything tied to the current user.
func (c *Client) resetState() {
	c.stopTimers()
	c.typist.Stop()
	c.resolveWaiter(ErrSuperseded)
	c.rooms.Reset()
	c.dir.Reset()
	c.tl.Reset()
	c.typing.Reset()
	c.presence.Reset()
	c.refreshErr = nil
	c.self = model.Sender{}
	c.dir.SetSelf("")
	c.tl.SetSelf(c.self)
}
