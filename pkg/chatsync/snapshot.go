package chatsync

import (
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/timeline"
	"github.com/mahaj/chatsync/pkg/transport"
)

// Snapshot is a consistent view of the client state at one point of the
// event loop. It shares nothing with the live state.
type Snapshot struct {
	State                transport.State
	Self                 model.Sender
	Conversations        []model.Conversation
	UnreadTotal          int
	ActiveConversationID string
	Loading              bool
	LoadError            error
	RefreshError         error
	Messages             []model.Message
	Typing               []model.TypingSignal
	Online               []string
	Anomalies            []timeline.Anomaly
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Conversations = cloneAll(s.Conversations, model.Conversation.Clone)
	s.Messages = cloneAll(s.Messages, model.Message.Clone)
	s.Typing = append([]model.TypingSignal(nil), s.Typing...)
	s.Online = append([]string(nil), s.Online...)
	s.Anomalies = append([]timeline.Anomaly(nil), s.Anomalies...)
	return s
}

func cloneAll[T any](in []T, clone func(T) T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = clone(v)
	}
	return out
}

// Snapshot returns the current state.
func (c *Client) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := c.call(func() { s = c.snapshot() })
	return s, err
}

// Subscribe returns a channel that receives a snapshot after every change,
// starting with the current one. Slow consumers only see the latest snapshot.
// The channel is closed by cancel or Close.
func (c *Client) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	c.post(func() {
		s := c.snapshot()
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			offer(ch, s)
		}
	})

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// snapshot projects aggregator state. Participant presence comes from the
// presence set, typers are TTL filtered.
func (c *Client) snapshot() Snapshot {
	now := c.opts.Now()
	active := c.tl.Conversation()

	convs := c.dir.List()
	for i := range convs {
		for j := range convs[i].Participants {
			p := &convs[i].Participants[j]
			p.PresenceStatus = c.presence.Status(p.ID)
		}
	}

	var typers []model.TypingSignal
	if active != "" {
		typers = c.typing.Active(active, now)
	}

	return Snapshot{
		State:                c.state,
		Self:                 c.self,
		Conversations:        convs,
		UnreadTotal:          c.dir.UnreadTotal(),
		ActiveConversationID: active,
		Loading:              c.tl.Loading(),
		LoadError:            c.tl.LoadError(),
		RefreshError:         c.refreshErr,
		Messages:             c.tl.Messages(),
		Typing:               typers,
		Online:               c.presence.Online(),
		Anomalies:            c.tl.Anomalies(),
	}
}

func (c *Client) publish() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	// Each subscriber gets its own copy.
	s := c.snapshot()
	first := true
	for ch := range c.subs {
		if first {
			offer(ch, s)
			first = false
			continue
		}
		offer(ch, s.Clone())
	}
}

// offer replaces any unread snapshot in ch with s.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
