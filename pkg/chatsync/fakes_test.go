package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/transport"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTransport records calls; tests drive state transitions and inbound
// events by hand.
type fakeTransport struct {
	mu         sync.Mutex
	state      transport.State
	gen        uint64
	token      string
	connects   []string
	reconnects int
	emitted    []model.Outbound
	onEvent    []transport.EventHandler
	onState    []transport.StateHandler
}

func (f *fakeTransport) Connect(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == f.token && f.state != transport.Disconnected {
		return
	}
	f.token = token
	f.gen++
	f.connects = append(f.connects, token)
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.gen++
	f.mu.Unlock()
}

func (f *fakeTransport) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(ev model.Outbound) {
	f.mu.Lock()
	f.emitted = append(f.emitted, ev)
	f.mu.Unlock()
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeTransport) OnEvent(h transport.EventHandler) {
	f.mu.Lock()
	f.onEvent = append(f.onEvent, h)
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(h transport.StateHandler) {
	f.mu.Lock()
	f.onState = append(f.onState, h)
	f.mu.Unlock()
}

func (f *fakeTransport) transition(next transport.State) {
	f.mu.Lock()
	prev := f.state
	f.state = next
	hs := append([]transport.StateHandler(nil), f.onState...)
	f.mu.Unlock()
	for _, h := range hs {
		h(prev, next)
	}
}

func (f *fakeTransport) deliver(ev model.Inbound) {
	f.deliverGen(ev, f.Generation())
}

func (f *fakeTransport) deliverGen(ev model.Inbound, gen uint64) {
	f.mu.Lock()
	hs := append([]transport.EventHandler(nil), f.onEvent...)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev, gen)
	}
}

func (f *fakeTransport) sent() []model.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Outbound(nil), f.emitted...)
}

func sentOf[T model.Outbound](f *fakeTransport) []T {
	var out []T
	for _, ev := range f.sent() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

type fakeAPI struct {
	mu        sync.Mutex
	token     string
	convs     []model.Conversation
	convErr   error
	pages     map[string][]model.Message
	gates     map[string]chan struct{}
	msgErr    error
	pinErr    error
	pinned    map[string]bool
	reads     [][]string
	blocked   []string
	convCalls atomic.Int32
	msgCalls  atomic.Int32
	msgDone   atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:  make(map[string][]model.Message),
		gates:  make(map[string]chan struct{}),
		pinned: make(map[string]bool),
	}
}

func (a *fakeAPI) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *fakeAPI) Conversations(context.Context) ([]model.Conversation, error) {
	a.convCalls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.convErr != nil {
		return nil, a.convErr
	}
	out := make([]model.Conversation, len(a.convs))
	for i, c := range a.convs {
		out[i] = c.Clone()
	}
	return out, nil
}

func (a *fakeAPI) Messages(ctx context.Context, id string, _ int) ([]model.Message, error) {
	a.msgCalls.Add(1)
	defer a.msgDone.Add(1)

	a.mu.Lock()
	gate := a.gates[id]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.msgErr != nil {
		return nil, a.msgErr
	}
	return append([]model.Message(nil), a.pages[id]...), nil
}

func (a *fakeAPI) CreateConversation(_ context.Context, participantID string) (model.Conversation, error) {
	return model.Conversation{
		ID:           "new-" + participantID,
		Kind:         model.KindDirect,
		Participants: []model.Participant{{ID: participantID}},
	}, nil
}

func (a *fakeAPI) CreateSupportConversation(_ context.Context, subject string) (model.Conversation, error) {
	return model.Conversation{ID: "support-1", Kind: model.KindAdminSupport, SupportStatus: model.SupportOpen}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, _ string, ids []string) (int, error) {
	a.mu.Lock()
	a.reads = append(a.reads, ids)
	a.mu.Unlock()
	return len(ids), nil
}

func (a *fakeAPI) TogglePin(_ context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pinErr != nil {
		return false, a.pinErr
	}
	a.pinned[id] = !a.pinned[id]
	return a.pinned[id], nil
}

func (a *fakeAPI) Block(_ context.Context, id string) error {
	a.mu.Lock()
	a.blocked = append(a.blocked, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) Unblock(context.Context, string) error        { return nil }
func (a *fakeAPI) Report(context.Context, string, string) error { return nil }

func (a *fakeAPI) set(fn func(a *fakeAPI)) {
	a.mu.Lock()
	fn(a)
	a.mu.Unlock()
}

func token(t *testing.T, userID string) string {
	t.Helper()
	return tokenNamed(t, userID, userID)
}

func tokenNamed(t *testing.T, userID, name string) string {
	t.Helper()
	tok, err := auth.NewSigner("test-secret", time.Hour).GenerateToken(userID, name, "student")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

type harness struct {
	c   *Client
	tr  *fakeTransport
	api *fakeAPI
	clk *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, api: newFakeAPI(), clk: &fakeClock{now: t0}}
	h.c = NewWithDeps(Options{
		EchoTimeout:      80 * time.Millisecond,
		EchoMatchWindow:  5 * time.Second,
		OrphanRetryDelay: 20 * time.Millisecond,
		TypingTTL:        5 * time.Second,
		TypingIdle:       40 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
		RequestTimeout:   2 * time.Second,
		Now:              h.clk.Now,
	}, h.tr, h.api)
	t.Cleanup(func() { h.c.Close() })
	return h
}

// login sets a credential for userID and brings the fake transport up,
// waiting for the directory refresh that follows.
func (h *harness) login(t *testing.T, userID string) {
	t.Helper()
	before := h.api.convCalls.Load()
	if err := h.c.SetCredential(token(t, userID)); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}
	h.tr.transition(transport.Connecting)
	h.tr.transition(transport.Connected)
	if err := h.c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if h.api.convCalls.Load() <= before {
		t.Fatal("no refresh after connecting")
	}
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func (h *harness) waitSnapshot(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s := h.snapshot(t)
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot %+v", what, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func conv(id string, at time.Time, participants ...string) model.Conversation {
	c := model.Conversation{ID: id, Kind: model.KindDirect, LastActivityAt: at}
	for _, p := range participants {
		c.Participants = append(c.Participants, model.Participant{ID: p, DisplayName: p})
	}
	return c
}

func message(id, conv, sender string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         model.Sender{ID: sender, DisplayName: sender},
		Content:        "text " + id,
		CreatedAt:      at,
	}
}
