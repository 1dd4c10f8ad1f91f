// Package chatsync is the synchronization facade UIs talk to. It owns the
// transport, the conversation directory, the message timeline and the
// ephemeral signal aggregators, and sequences every change to them on a single
// event loop goroutine: socket events, REST results, timers and public calls
// are all closures run one at a time, so no two of them interleave.
//
//	c := chatsync.New(cfg.Client)
//	defer c.Close()
//	updates, cancel := c.Subscribe()
//	defer cancel()
//	c.SetCredential(token)
//	_ = c.SetActiveConversation(ctx, id)
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/directory"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/model"
	"github.com/mahaj/chatsync/pkg/rest"
	"github.com/mahaj/chatsync/pkg/rooms"
	"github.com/mahaj/chatsync/pkg/signals"
	"github.com/mahaj/chatsync/pkg/timeline"
	"github.com/mahaj/chatsync/pkg/transport"
)

var (
	ErrClosed         = errors.New("chatsync: client closed")
	ErrNotConnected   = errors.New("chatsync: not connected")
	ErrSuperseded     = errors.New("chatsync: superseded by a newer selection")
	ErrUnknownMessage = timeline.ErrUnknownMessage
	ErrNoConversation = timeline.ErrNoConversation
)

// Transport is the realtime connection. *transport.Session implements it.
type Transport interface {
	Connect(token string)
	Disconnect()
	Reconnect()
	Emit(model.Outbound)
	State() transport.State
	Generation() uint64
	OnEvent(transport.EventHandler)
	OnStateChange(transport.StateHandler)
}

// API is the REST collaborator. *rest.Client implements it.
type API interface {
	SetToken(token string)
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	CreateConversation(ctx context.Context, participantID string) (model.Conversation, error)
	CreateSupportConversation(ctx context.Context, subject string) (model.Conversation, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) (int, error)
	TogglePin(ctx context.Context, messageID string) (bool, error)
	Block(ctx context.Context, userID string) error
	Unblock(ctx context.Context, userID string) error
	Report(ctx context.Context, userID, reason string) error
}

type Options struct {
	EchoTimeout      time.Duration
	EchoMatchWindow  time.Duration
	OrphanRetryDelay time.Duration
	TypingTTL        time.Duration
	TypingIdle       time.Duration
	SweepInterval    time.Duration
	RequestTimeout   time.Duration
	PageSize         int

	// Now is the clock for typing TTLs and optimistic timestamps.
	Now func() time.Time
}

func OptionsFromConfig(c config.ClientConfig) Options {
	return Options{
		EchoTimeout:      c.EchoTimeout,
		EchoMatchWindow:  c.EchoMatchWindow,
		OrphanRetryDelay: c.OrphanRetryDelay,
		TypingTTL:        c.TypingTTL,
		TypingIdle:       c.TypingIdle,
		SweepInterval:    c.SweepInterval,
		RequestTimeout:   c.RequestTimeout,
		PageSize:         c.PageSize,
	}
}

func (o *Options) applyDefaults() {
	if o.EchoTimeout <= 0 {
		o.EchoTimeout = 10 * time.Second
	}
	if o.OrphanRetryDelay <= 0 {
		o.OrphanRetryDelay = 750 * time.Millisecond
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = 5 * time.Second
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = 2 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type loadWaiter struct {
	gen uint64
	ch  chan error
}

type Client struct {
	opts Options
	tr   Transport
	api  API
	log  zerolog.Logger

	ownsTransport *transport.Session

	actions   chan func()
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	// Everything below is owned by the loop goroutine.
	token    string
	self     model.Sender
	state    transport.State
	epoch    uint64
	rooms    *rooms.Tracker
	dir      *directory.Directory
	tl       *timeline.Timeline
	typing   *signals.TypingTracker
	typist   *signals.Typist
	presence *signals.Presence

	waiter       *loadWaiter
	echoTimers   map[string]*time.Timer
	orphanTimers map[string]*time.Timer
	typingTimer  *time.Timer

	refreshing     bool
	refreshAgain   bool
	refreshWaiters []chan error
	nextWaiters    []chan error
	refreshErr     error
}

// New builds a client with its own websocket session and REST client.
func New(cfg config.ClientConfig) *Client {
	sess := transport.NewSession(transport.Config{
		URL: cfg.SocketURL,
		Reconnect: transport.ReconnectPolicy{
			Enabled:     cfg.Reconnect.Enabled,
			Initial:     cfg.Reconnect.Initial,
			Max:         cfg.Reconnect.Max,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	})
	api := rest.New(rest.Config{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout})

	c := NewWithDeps(OptionsFromConfig(cfg), sess, api)
	c.ownsTransport = sess
	return c
}

// NewWithDeps builds a client over caller-supplied collaborators and starts
// its event loop.
func NewWithDeps(opts Options, tr Transport, api API) *Client {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		opts:         opts,
		tr:           tr,
		api:          api,
		log:          logging.Component("chatsync"),
		actions:      make(chan func(), 256),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[chan Snapshot]struct{}),
		state:        tr.State(),
		rooms:        rooms.NewTracker(tr),
		dir:          directory.New(""),
		typing:       signals.NewTypingTracker(opts.TypingTTL),
		typist:       signals.NewTypist(opts.TypingIdle),
		presence:     signals.NewPresence(),
		echoTimers:   make(map[string]*time.Timer),
		orphanTimers: make(map[string]*time.Timer),
	}
	c.tl = timeline.New(timeline.Config{
		EchoMatchWindow: opts.EchoMatchWindow,
		Now:             opts.Now,
	})

	tr.OnEvent(func(ev model.Inbound, gen uint64) {
		c.post(func() { c.handleEvent(ev, gen) })
	})
	tr.OnStateChange(func(prev, next transport.State) {
		c.post(func() { c.handleStateChange(prev, next) })
	})

	c.wg.Add(1)
	go c.run()
	return c
}

// Close stops the loop, cancels in-flight requests and disconnects.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.call(func() {
			c.stopTimers()
			c.resolveWaiter(ErrClosed)
			c.resolveRefresh(ErrClosed)
		})
		close(c.done)
		c.cancel()
		c.wg.Wait()
		c.tr.Disconnect()
		if c.ownsTransport != nil {
			_ = c.ownsTransport.Close()
		}

		c.subMu.Lock()
		for ch := range c.subs {
			close(ch)
			delete(c.subs, ch)
		}
		c.subMu.Unlock()
	})
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case fn := <-c.actions:
			fn()
		case <-ticker.C:
			if c.typing.Sweep(c.opts.Now()) > 0 {
				c.publish()
			}
		}
	}
}

// post queues fn on the loop. It reports false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.actions <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Client) call(fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// after arms a timer whose callback runs on the loop.
func (c *Client) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { c.post(fn) })
}

func (c *Client) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.opts.RequestTimeout)
}

func (c *Client) connected() bool { return c.state == transport.Connected }

func (c *Client) stopTimers() {
	for id, t := range c.echoTimers {
		t.Stop()
		delete(c.echoTimers, id)
	}
	for id, t := range c.orphanTimers {
		t.Stop()
		delete(c.orphanTimers, id)
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}
