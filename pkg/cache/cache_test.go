package cache

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestParticipants(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.SetParticipants(ctx, "c1", []string{"u2", "u1"}); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}
	ids, err := s.Participants(ctx, "c1")
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if !slices.Equal(ids, []string{"u1", "u2"}) {
		t.Errorf("participants = %v", ids)
	}

	// Replacing drops old members.
	if err := s.SetParticipants(ctx, "c1", []string{"u3"}); err != nil {
		t.Fatalf("SetParticipants: %v", err)
	}
	if ok, _ := s.IsParticipant(ctx, "c1", "u1"); ok {
		t.Error("u1 still a member after replace")
	}
	if ok, _ := s.IsParticipant(ctx, "c1", "u3"); !ok {
		t.Error("u3 not a member")
	}
}

func TestConnectionCounting(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	first, err := s.Connect(ctx, "u1")
	if err != nil || !first {
		t.Fatalf("first Connect = %v, %v", first, err)
	}
	if first, _ := s.Connect(ctx, "u1"); first {
		t.Error("second socket reported as first")
	}
	if last, _ := s.Disconnect(ctx, "u1"); last {
		t.Error("first disconnect reported as last")
	}
	last, err := s.Disconnect(ctx, "u1")
	if err != nil || !last {
		t.Fatalf("last Disconnect = %v, %v", last, err)
	}
	if mr.Exists(connectionsKey("u1")) {
		t.Error("connection counter not cleared")
	}
}

func TestStatuses(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.SetStatus(ctx, "u1", "online"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.SetStatus(ctx, "u2", "away"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := s.ClearStatus(ctx, "u2"); err != nil {
		t.Fatalf("ClearStatus: %v", err)
	}

	got, err := s.Statuses(ctx, "u1", "u2", "u3")
	if err != nil {
		t.Fatalf("Statuses: %v", err)
	}
	if len(got) != 1 || got["u1"] != "online" {
		t.Errorf("statuses = %v", got)
	}

	empty, err := s.Statuses(ctx)
	if err != nil || len(empty) != 0 {
		t.Errorf("Statuses() = %v, %v", empty, err)
	}
}

func TestMessageRef(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	if _, _, err := s.MessageRef(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown message err = %v", err)
	}
	if err := s.RememberMessage(ctx, "m1", "c1", "u1"); err != nil {
		t.Fatalf("RememberMessage: %v", err)
	}
	conv, sender, err := s.MessageRef(ctx, "m1")
	if err != nil || conv != "c1" || sender != "u1" {
		t.Errorf("MessageRef = %q, %q, %v", conv, sender, err)
	}
	if ttl := mr.TTL(messageKey("m1")); ttl != MessageRefTTL {
		t.Errorf("ttl = %v", ttl)
	}

	mr.FastForward(MessageRefTTL)
	if _, _, err := s.MessageRef(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired message err = %v", err)
	}
}
