package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"

	"github.com/mahaj/chatsync/pkg/model"
)

func writeEnvelope(w http.ResponseWriter, status int, env any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func TestConversationsSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" || r.Method != http.MethodGet {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		writeEnvelope(w, http.StatusOK, Envelope[[]model.Conversation]{
			Status: StatusSuccess,
			Data:   []model.Conversation{{ID: "c1", Kind: model.KindDirect}},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/"})
	c.SetToken("tok")

	convs, err := c.Conversations(context.Background())
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" {
		t.Errorf("convs = %+v", convs)
	}
}

func TestMessagesQueryAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c 1/messages" || r.URL.Query().Get("limit") != "25" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		writeEnvelope(w, http.StatusOK, Envelope[[]model.Message]{
			Status: StatusSuccess,
			Data:   []model.Message{{ID: "m1"}, {ID: "m2"}},
		})
	}))
	defer srv.Close()

	msgs, err := New(Config{BaseURL: srv.URL}).Messages(context.Background(), "c 1", 25)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Messages = %v, %v", msgs, err)
	}
}

func TestPostBodies(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody.Store(r.URL.Path + " " + string(b))
		switch r.URL.Path {
		case "/messages/m1/pin":
			writeEnvelope(w, http.StatusOK, Envelope[map[string]bool]{Status: StatusSuccess, Data: map[string]bool{"isPinned": true}})
		case "/conversations/c1/read":
			writeEnvelope(w, http.StatusOK, Envelope[map[string]int]{Status: StatusSuccess, Data: map[string]int{"updated": 2}})
		default:
			writeEnvelope(w, http.StatusOK, Envelope[any]{Status: StatusSuccess})
		}
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL})
	ctx := context.Background()

	pinned, err := c.TogglePin(ctx, "m1")
	if err != nil || !pinned {
		t.Fatalf("TogglePin = %v, %v", pinned, err)
	}

	n, err := c.MarkRead(ctx, "c1", []string{"a", "b"})
	if err != nil || n != 2 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
	if got := gotBody.Load().(string); got != `/conversations/c1/read {"messageIds":["a","b"]}` {
		t.Errorf("body = %s", got)
	}

	if err := c.Report(ctx, "u2", "spam"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got := gotBody.Load().(string); got != `/users/u2/report {"reason":"spam"}` {
		t.Errorf("body = %s", got)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusForbidden, Envelope[any]{Status: StatusError, Message: "blocked"})
	}))
	defer srv.Close()

	err := New(Config{BaseURL: srv.URL}).Block(context.Background(), "u2")
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if re.Status != http.StatusForbidden || re.Message != "blocked" || re.Temporary() {
		t.Errorf("Error = %+v", re)
	}
}

func TestErrorStatusInSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, Envelope[any]{Status: StatusError, Message: "nope"})
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Conversations(context.Background())
	var re *Error
	if !errors.As(err, &re) || re.Message != "nope" {
		t.Fatalf("err = %v", err)
	}
}

func TestCircuitOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ctx := context.Background()
	for range 5 {
		if _, err := c.Conversations(ctx); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.Conversations(ctx)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := hits.Load(); n != 5 {
		t.Errorf("server hit %d times, want 5", n)
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, Envelope[any]{Status: StatusError, Message: "missing"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	for range 8 {
		_, err := c.TogglePin(context.Background(), "m")
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatal("4xx responses opened the circuit")
		}
	}
}
