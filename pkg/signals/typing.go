// Package signals aggregates ephemeral state: who is typing where, who is
// online, and the debounced typing indicator we send ourselves. Nothing here
// is safe for concurrent use or survives a reconnect.
package signals

import (
	"cmp"
	"slices"
	"time"

	"github.com/mahaj/chatsync/pkg/model"
)

type typingKey struct {
	conversation string
	user         string
}

// TypingTracker stores at most one signal per (conversation, user). A signal
// older than TTL reads as not typing, so a lost typing_stop cannot leave an
// indicator stuck.
type TypingTracker struct {
	ttl     time.Duration
	entries map[typingKey]model.TypingSignal
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{ttl: ttl, entries: make(map[typingKey]model.TypingSignal)}
}

// Apply records sig as of now. A stop removes the entry.
func (t *TypingTracker) Apply(sig model.TypingSignal, now time.Time) {
	k := typingKey{sig.ConversationID, sig.UserID}
	if !sig.IsTyping {
		delete(t.entries, k)
		return
	}
	sig.LastSeenAt = now
	t.entries[k] = sig
}

// Active returns the live typers of a conversation ordered by user id.
func (t *TypingTracker) Active(conversationID string, now time.Time) []model.TypingSignal {
	var out []model.TypingSignal
	for k, sig := range t.entries {
		if k.conversation == conversationID && t.live(sig, now) {
			out = append(out, sig)
		}
	}
	slices.SortFunc(out, func(a, b model.TypingSignal) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

// Sweep drops expired entries and returns how many went.
func (t *TypingTracker) Sweep(now time.Time) int {
	n := 0
	for k, sig := range t.entries {
		if !t.live(sig, now) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

func (t *TypingTracker) Len() int { return len(t.entries) }

func (t *TypingTracker) Reset() { clear(t.entries) }

func (t *TypingTracker) live(sig model.TypingSignal, now time.Time) bool {
	return now.Sub(sig.LastSeenAt) < t.ttl
}

// Typist debounces our own typing indicator. typing_start goes out once per
// burst; typing_stop after Idle without a keystroke, or at once on send or
// conversation switch. Each Touch returns a token for the idle timer; Expire
// with an old token is a no-op, so a timer from an earlier keystroke cannot
// end a newer burst.
type Typist struct {
	idle         time.Duration
	conversation string
	active       bool
	token        uint64
}

func NewTypist(idle time.Duration) *Typist {
	return &Typist{idle: idle}
}

func (t *Typist) Idle() time.Duration { return t.idle }

// Conversation returns where a burst is in progress, or "".
func (t *Typist) Conversation() string {
	if !t.active {
		return ""
	}
	return t.conversation
}

// Touch registers a keystroke in conversationID. A keystroke in a different
// conversation than the current burst starts a new burst; callers are expected
// to Stop the old one first.
func (t *Typist) Touch(conversationID string) (emitStart bool, token uint64) {
	t.token++
	if !t.active || t.conversation != conversationID {
		t.active = true
		t.conversation = conversationID
		return true, t.token
	}
	return false, t.token
}

// Expire is called by the idle timer armed for token.
func (t *Typist) Expire(token uint64) (conversationID string, emitStop bool) {
	if !t.active || token != t.token {
		return "", false
	}
	return t.Stop()
}

// Stop ends the current burst, if any.
func (t *Typist) Stop() (conversationID string, emitStop bool) {
	if !t.active {
		return "", false
	}
	t.active = false
	t.token++
	return t.conversation, true
}
