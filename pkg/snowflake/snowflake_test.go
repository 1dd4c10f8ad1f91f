package snowflake

import (
	"errors"
	"testing"
	"time"
)

func TestNewNodeRange(t *testing.T) {
	if _, err := NewNode(1024); !errors.Is(err, ErrNodeRange) {
		t.Fatalf("NewNode(1024) err = %v", err)
	}
	if _, err := NewNode(-1); !errors.Is(err, ErrNodeRange) {
		t.Fatalf("NewNode(-1) err = %v", err)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	n, _ := NewNode(7)
	prev := n.Generate()
	for range 5000 {
		id := n.Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		if id.String() <= prev.String() {
			t.Fatalf("string form %s not greater than %s", id, prev)
		}
		prev = id
	}
	if prev.Node() != 7 {
		t.Errorf("Node() = %d, want 7", prev.Node())
	}
}

func TestClockBackwards(t *testing.T) {
	n, _ := NewNode(1)
	ms := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	n.now = func() int64 { return ms }
	a := n.Generate()

	ms -= 1000
	b := n.Generate()
	if b <= a {
		t.Fatalf("id went backwards: %d then %d", a, b)
	}
	if !b.Time().Equal(a.Time()) {
		t.Errorf("expected time pinned to last seen, got %v vs %v", b.Time(), a.Time())
	}
}

func TestParseAndTime(t *testing.T) {
	n, _ := NewNode(3)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	n.now = func() int64 { return at.UnixMilli() }

	id := n.Generate()
	got, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != id {
		t.Errorf("Parse(%s) = %d, want %d", id, got, id)
	}
	if !id.Time().Equal(at) {
		t.Errorf("Time() = %v, want %v", id.Time(), at)
	}
}
