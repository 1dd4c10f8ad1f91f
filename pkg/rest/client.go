// Package rest is the HTTP client for the chat REST API. Every call goes
// through one circuit breaker; server-side failures (5xx, transport errors)
// count against it, client errors do not.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	breakerName = "chat-api"
)

var ErrCircuitOpen = errors.New("rest: circuit open")

// Envelope wraps every API response.
type Envelope[T any] struct {
	Status  string `json:"status"`
	Data    T      `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error is a non-success response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest: http %d", e.Status)
	}
	return fmt.Sprintf("rest: http %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *Error) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker[[]byte]

	mu    sync.RWMutex
	token string
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return counts.ConsecutiveFailures >= 5
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var re *Error
			if errors.As(err, &re) {
				return !re.Temporary()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: hc,
		cb:   cb,
	}
}

// SetToken sets the bearer credential for subsequent calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := c.do(ctx, "list_conversations", http.MethodGet, "/conversations", nil, &out)
	return out, err
}

// Messages returns the most recent window of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []model.Message
	err := c.do(ctx, "list_messages", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CreateConversation(ctx context.Context, participantID string) (model.Conversation, error) {
	var out model.Conversation
	err := c.do(ctx, "create_conversation", http.MethodPost, "/conversations",
		map[string]string{"participantId": participantID}, &out)
	return out, err
}

func (c *Client) CreateSupportConversation(ctx context.Context, subject string) (model.Conversation, error) {
	var out model.Conversation
	err := c.do(ctx, "create_support_conversation", http.MethodPost, "/conversations/support",
		map[string]string{"subject": subject}, &out)
	return out, err
}

// MarkRead records read receipts and returns how many messages changed.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, "mark_read", http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read",
		map[string][]string{"messageIds": messageIDs}, &out)
	return out.Updated, err
}

// TogglePin flips the pin flag server-side and returns the new value.
func (c *Client) TogglePin(ctx context.Context, messageID string) (bool, error) {
	var out struct {
		IsPinned bool `json:"isPinned"`
	}
	err := c.do(ctx, "toggle_pin", http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/pin", nil, &out)
	return out.IsPinned, err
}

func (c *Client) Block(ctx context.Context, userID string) error {
	return c.do(ctx, "block", http.MethodPost, "/users/"+url.PathEscape(userID)+"/block", nil, nil)
}

func (c *Client) Unblock(ctx context.Context, userID string) error {
	return c.do(ctx, "unblock", http.MethodPost, "/users/"+url.PathEscape(userID)+"/unblock", nil, nil)
}

func (c *Client) Report(ctx context.Context, userID, reason string) error {
	return c.do(ctx, "report", http.MethodPost, "/users/"+url.PathEscape(userID)+"/report",
		map[string]string{"reason": reason}, nil)
}

// Login exchanges a user id for a token on development servers.
func (c *Client) Login(ctx context.Context, userID, name string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, "login", http.MethodPost, "/login",
		map[string]string{"userId": userID, "name": name}, &out)
	return out.Token, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	data, err := c.cb.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RESTRequests.WithLabelValues(op, "rejected").Inc()
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}
		metrics.RESTRequests.WithLabelValues(op, "failure").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.RESTRequests.WithLabelValues(op, "success").Inc()

	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

// roundTrip performs the request and returns the raw data field of a
// successful envelope.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var env Envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if resp.StatusCode >= 300 || env.Status != StatusSuccess {
		status := resp.StatusCode
		if status < 300 {
			status = http.StatusBadGateway
		}
		return nil, &Error{Status: status, Message: env.Message}
	}
	return env.Data, nil
}
