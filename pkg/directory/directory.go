// Package directory holds the conversation list shown beside the timeline:
// one entry per conversation, most recently active first.
package directory

import (
	"slices"

	"github.com/mahaj/chatsync/pkg/model"
)

// seenPerConversation bounds the message ids remembered per conversation
// for duplicate suppression.
const seenPerConversation = 64

// Directory is not safe for concurrent use.
type Directory struct {
	self  string
	convs []model.Conversation
	seen  map[string][]string
}

// New returns an empty directory for the user selfID. Messages sent by selfID
// never count as unread.
func New(selfID string) *Directory {
	return &Directory{self: selfID, seen: make(map[string][]string)}
}

func (d *Directory) SetSelf(id string) { d.self = id }

// Replace swaps in a fresh list from the server. Duplicate ids keep the last
// occurrence.
func (d *Directory) Replace(list []model.Conversation) {
	seen := make(map[string]int, len(list))
	convs := make([]model.Conversation, 0, len(list))
	for _, c := range list {
		if i, ok := seen[c.ID]; ok {
			convs[i] = c.Clone()
			continue
		}
		seen[c.ID] = len(convs)
		convs = append(convs, c.Clone())
	}
	d.convs = convs
	d.sort()
}

// Upsert inserts c or replaces the entry with the same id.
func (d *Directory) Upsert(c model.Conversation) {
	if i := d.find(c.ID); i >= 0 {
		d.convs[i] = c.Clone()
	} else {
		d.convs = append(d.convs, c.Clone())
	}
	d.sort()
}

// BumpOnIncoming records msg as the latest activity of its conversation. The
// unread counter moves only when the conversation is not activeID and the
// message is not our own. A message id already bumped is ignored, so
// redelivery leaves the counters alone. Unknown conversations are left alone
// and reported with known == false so the caller can resync.
func (d *Directory) BumpOnIncoming(conversationID string, msg *model.Message, activeID string) (known bool) {
	i := d.find(conversationID)
	if i < 0 {
		return false
	}
	if !d.remember(conversationID, msg.ID) {
		return true
	}
	c := &d.convs[i]

	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = msg.Summary()
	}
	if msg.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = msg.CreatedAt
	}
	if conversationID != activeID && msg.Sender.ID != d.self {
		c.MyUnreadCount++
	}
	d.sort()
	return true
}

// ClearUnread zeroes the unread counter of id.
func (d *Directory) ClearUnread(id string) bool {
	i := d.find(id)
	if i < 0 {
		return false
	}
	d.convs[i].MyUnreadCount = 0
	return true
}

func (d *Directory) SetSupportStatus(id string, status model.SupportStatus) bool {
	i := d.find(id)
	if i < 0 {
		return false
	}
	d.convs[i].SupportStatus = status
	return true
}

func (d *Directory) Get(id string) (model.Conversation, bool) {
	i := d.find(id)
	if i < 0 {
		return model.Conversation{}, false
	}
	return d.convs[i].Clone(), true
}

// List returns copies in display order.
func (d *Directory) List() []model.Conversation {
	out := make([]model.Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = c.Clone()
	}
	return out
}

func (d *Directory) Len() int { return len(d.convs) }

func (d *Directory) UnreadTotal() int {
	n := 0
	for _, c := range d.convs {
		n += c.MyUnreadCount
	}
	return n
}

// Reset empties the directory, as on logout.
func (d *Directory) Reset() {
	d.convs = nil
	d.seen = make(map[string][]string)
}

// remember records id under conversationID and reports whether it was new.
func (d *Directory) remember(conversationID, id string) bool {
	if id == "" {
		return true
	}
	ids := d.seen[conversationID]
	if slices.Contains(ids, id) {
		return false
	}
	if len(ids) == seenPerConversation {
		ids = slices.Delete(ids, 0, 1)
	}
	d.seen[conversationID] = append(ids, id)
	return true
}

func (d *Directory) find(id string) int {
	return slices.IndexFunc(d.convs, func(c model.Conversation) bool { return c.ID == id })
}

// sort orders by last activity, newest first, keeping ties in place.
func (d *Directory) sort() {
	slices.SortStableFunc(d.convs, func(a, b model.Conversation) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
}
