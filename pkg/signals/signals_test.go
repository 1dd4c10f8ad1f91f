package signals

import (
	"testing"
	"time"

	"github.com/mahaj/chatsync/pkg/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestTypingExpiresWithoutStop(t *testing.T) {
	tr := NewTypingTracker(5 * time.Second)
	tr.Apply(model.TypingSignal{ConversationID: "1", UserID: "A", IsTyping: true}, t0)

	if got := tr.Active("1", t0.Add(4*time.Second)); len(got) != 1 {
		t.Fatalf("active before TTL = %v", got)
	}
	if got := tr.Active("1", t0.Add(5*time.Second)); len(got) != 0 {
		t.Fatalf("active after TTL = %v", got)
	}
	if n := tr.Sweep(t0.Add(6 * time.Second)); n != 1 || tr.Len() != 0 {
		t.Errorf("Sweep removed %d, %d left", n, tr.Len())
	}
}

func TestTypingOneEntryPerUser(t *testing.T) {
	tr := NewTypingTracker(5 * time.Second)
	for i := range 3 {
		tr.Apply(model.TypingSignal{ConversationID: "1", UserID: "A", IsTyping: true}, t0.Add(time.Duration(i)*time.Second))
	}
	tr.Apply(model.TypingSignal{ConversationID: "1", UserID: "B", IsTyping: true}, t0)
	tr.Apply(model.TypingSignal{ConversationID: "2", UserID: "A", IsTyping: true}, t0)

	got := tr.Active("1", t0.Add(6*time.Second))
	if len(got) != 1 || got[0].UserID != "A" {
		t.Fatalf("refreshed signal should outlive the first TTL, got %v", got)
	}

	tr.Apply(model.TypingSignal{ConversationID: "1", UserID: "A", IsTyping: false}, t0.Add(6*time.Second))
	if got := tr.Active("1", t0.Add(6*time.Second)); len(got) != 0 {
		t.Errorf("explicit stop left %v", got)
	}
}

func TestTypistBurst(t *testing.T) {
	ty := NewTypist(2 * time.Second)

	start, tok1 := ty.Touch("c1")
	if !start {
		t.Fatal("first keystroke should emit typing_start")
	}
	start, tok2 := ty.Touch("c1")
	if start {
		t.Fatal("second keystroke in the same burst emitted typing_start")
	}

	if _, stop := ty.Expire(tok1); stop {
		t.Fatal("stale idle timer ended a newer burst")
	}
	conv, stop := ty.Expire(tok2)
	if !stop || conv != "c1" {
		t.Fatalf("Expire(current) = %q, %v", conv, stop)
	}
	if _, stop := ty.Stop(); stop {
		t.Error("Stop after expiry emitted a second typing_stop")
	}

	if start, _ := ty.Touch("c1"); !start {
		t.Error("new burst did not emit typing_start")
	}
	if conv, stop := ty.Stop(); !stop || conv != "c1" {
		t.Errorf("Stop = %q, %v", conv, stop)
	}
}

func TestTypistSwitchConversation(t *testing.T) {
	ty := NewTypist(time.Second)
	ty.Touch("a")
	if start, _ := ty.Touch("b"); !start {
		t.Fatal("keystroke in another conversation should start a burst")
	}
	if ty.Conversation() != "b" {
		t.Errorf("Conversation() = %q", ty.Conversation())
	}
}

func TestPresence(t *testing.T) {
	p := NewPresence()

	if !p.Apply("u2", "online") || !p.Apply("u1", "Away") {
		t.Fatal("Apply should report changes")
	}
	if p.Apply("u2", "online") {
		t.Error("repeat status reported as change")
	}
	if got := p.Online(); len(got) != 2 || got[0] != "u1" {
		t.Errorf("Online() = %v", got)
	}
	if p.Status("u1") != "away" {
		t.Errorf("Status(u1) = %q", p.Status("u1"))
	}

	p.Apply("u2", "offline")
	if p.IsOnline("u2") || p.Status("u2") != StatusOffline {
		t.Error("offline user still online")
	}

	p.Reset()
	if len(p.Online()) != 0 {
		t.Error("Reset left users online")
	}
}
