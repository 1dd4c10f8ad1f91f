package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/segmentio/kafka-go"
)

type fakeFetcher struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func mustRecord(t *testing.T, ev model.Inbound, conv string, recipients ...string) Record {
	t.Helper()
	rec, err := NewRecord(ev, conv, recipients)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	ev := model.NewMessage{
		ConversationID: "c1",
		Message:        model.Message{ID: "0001", ConversationID: "c1", Content: "hi", ClientID: "k1"},
	}
	rec := mustRecord(t, ev, "c1", "u1", "u2")
	rec.Origin = "u1"

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	got, err := back.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	nm, ok := got.(model.NewMessage)
	if !ok || nm.Message.ClientID != "k1" {
		t.Fatalf("decoded %T %+v", got, got)
	}
	if back.Origin != "u1" || len(back.Recipients) != 2 {
		t.Errorf("routing lost: %+v", back)
	}
}

func TestRecordFrameIsAClientFrame(t *testing.T) {
	rec := mustRecord(t, model.UserTyping{ConversationID: "c1", UserID: "u2", IsTyping: true}, "c1")
	frame, err := rec.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	ev, err := model.DecodeInbound(frame)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if ut, ok := ev.(model.UserTyping); !ok || !ut.IsTyping || ut.UserID != "u2" {
		t.Errorf("got %+v", ev)
	}
}

func TestRecordDurable(t *testing.T) {
	tests := []struct {
		ev   model.Inbound
		want bool
	}{
		{model.NewMessage{}, true},
		{model.MessageUpdated{}, true},
		{model.MessageRemoved{}, true},
		{model.MessagesRead{}, true},
		{model.UserTyping{}, false},
		{model.UserStatusChange{}, false},
		{model.MessagePinned{}, false},
	}
	for _, tt := range tests {
		if got := mustRecord(t, tt.ev, "c1").Durable(); got != tt.want {
			t.Errorf("%s: Durable = %v, want %v", tt.ev.EventName(), got, tt.want)
		}
	}
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	f := &fakeFetcher{msgs: make(chan kafka.Message, 4)}

	good, _ := json.Marshal(mustRecord(t, model.MessageRemoved{MessageID: "m1"}, "c1"))
	failing, _ := json.Marshal(mustRecord(t, model.MessageRemoved{MessageID: "m2"}, "c1"))
	f.msgs <- kafka.Message{Offset: 1, Value: good}
	f.msgs <- kafka.Message{Offset: 2, Value: []byte("{not json")}
	f.msgs <- kafka.Message{Offset: 3, Value: failing}

	var mu sync.Mutex
	var handled []string
	c := newConsumer("test-consumer", f, func(_ context.Context, rec Record) error {
		ev, err := rec.Decode()
		if err != nil {
			return err
		}
		id := ev.(model.MessageRemoved).MessageID
		mu.Lock()
		handled = append(handled, id)
		mu.Unlock()
		if id == "m2" {
			return errors.New("storage down")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.commits()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("commits = %v", f.commits())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || handled[0] != "m1" || handled[1] != "m2" {
		t.Errorf("handled = %v", handled)
	}
	if got := f.commits(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("commit order = %v", got)
	}
}
