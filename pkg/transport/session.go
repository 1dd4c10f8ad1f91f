// Package transport owns the single websocket connection to the realtime
// server.
//
// Every dial bumps a generation counter. Read loops tag what they receive with
// the generation they were started under, and the dispatcher drops anything
// whose generation is no longer current, so a late frame from a connection
// that was replaced (credential rotation, explicit disconnect) never reaches a
// handler.
//
// Failures are reported only as state transitions. The session does not redial
// on its own unless a ReconnectPolicy is enabled.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendBuffer     = 256
)

var errSendQueueFull = errors.New("send queue full")

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PongWait is the read deadline, extended by every pong.
	PongWait time.Duration
	// PingInterval must be less than PongWait. Zero derives it from PongWait.
	PingInterval   time.Duration
	MaxMessageSize int64
	// SendBuffer is the number of frames queued per connection. A full
	// queue drops the connection.
	SendBuffer int
	Reconnect  ReconnectPolicy

	// Dialer overrides the default websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			HandshakeTimeout:  c.HandshakeTimeout,
			EnableCompression: true,
		}
	}
}

// EventHandler receives an event with the generation of the connection that
// read it. Handlers that defer work should recheck the generation when the
// work runs.
type EventHandler func(ev model.Inbound, gen uint64)

type StateHandler func(prev, next State)

// delivery is either an inbound event tagged with its generation or a state
// transition.
type delivery struct {
	gen   uint64
	event model.Inbound
	prev  State
	next  State
	isEv  bool
}

type Session struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	token   string
	state   State
	conn    *websocket.Conn
	send    chan []byte
	cancel  context.CancelFunc
	retry   *time.Timer
	attempt int

	hmu           sync.RWMutex
	handlers      map[string][]EventHandler
	anyHandlers   []EventHandler
	stateHandlers []StateHandler

	box  *mailbox
	done chan struct{}
	wg   sync.WaitGroup
}

func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:      cfg,
		log:      logging.Component("transport"),
		handlers: make(map[string][]EventHandler),
		box:      newMailbox(),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

// On registers a handler for one inbound event name.
func (s *Session) On(event string, h EventHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// OnEvent registers a handler for every inbound event.
func (s *Session) OnEvent(h EventHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.anyHandlers = append(s.anyHandlers, h)
}

func (s *Session) OnStateChange(h StateHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.stateHandlers = append(s.stateHandlers, h)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the epoch of the current (or last) connection attempt.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Connect opens a connection authenticated with token. It is a no-op when a
// connection for the same token is already up or being dialed; a different
// token replaces the current connection. An empty token disconnects.
func (s *Session) Connect(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" {
		s.token = ""
		s.closeLocked()
		s.gen++
		s.setStateLocked(Disconnected)
		return
	}
	if token == s.token && s.state != Disconnected {
		return
	}
	s.token = token
	s.attempt = 0
	s.dialLocked()
}

// Reconnect redials with the current token if the session is down. It is the
// hook for external retry triggers such as regaining focus or network.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" || s.state != Disconnected {
		return
	}
	s.attempt = 0
	s.dialLocked()
}

// Disconnect closes the connection and invalidates anything still in flight
// from it. The token is kept for a later Reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	s.gen++
	s.setStateLocked(Disconnected)
}

// Emit queues an event for the connection's writer and returns without
// waiting for the socket. It never fails from the caller's point of view:
// while not connected the event is dropped, and write errors or a full queue
// surface as a transition to disconnected.
func (s *Session) Emit(ev model.Outbound) {
	data, err := model.Encode(ev)
	if err != nil {
		s.log.Error().Err(err).Str("event", ev.EventName()).Msg("encode failed")
		return
	}

	s.mu.Lock()
	send, gen, state := s.send, s.gen, s.state
	if state != Connected || send == nil {
		s.mu.Unlock()
		s.log.Debug().Str("event", ev.EventName()).Str("state", state.String()).Msg("dropping emit while not connected")
		return
	}
	select {
	case send <- data:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	s.log.Warn().Str("event", ev.EventName()).Int("buffer", s.cfg.SendBuffer).Msg("send queue full")
	s.connectionLost(gen, errSendQueueFull)
}

// Close disconnects and stops the dispatcher. The session cannot be reused.
func (s *Session) Close() error {
	s.Disconnect()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
	return nil
}

func (s *Session) dialLocked() {
	s.closeLocked()
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.setStateLocked(Connecting)

	go s.run(ctx, gen, s.token)
}

func (s *Session) run(ctx context.Context, gen uint64, token string) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		ev := s.log.Warn().Err(err).Uint64("generation", gen)
		if resp != nil {
			ev = ev.Int("status", resp.StatusCode)
		}
		ev.Msg("dial failed")
		s.failLocked(gen)
		s.mu.Unlock()
		return
	}
	send := make(chan []byte, s.cfg.SendBuffer)
	s.conn = conn
	s.send = send
	s.attempt = 0
	s.setStateLocked(Connected)
	s.mu.Unlock()

	s.log.Info().Uint64("generation", gen).Msg("connected")

	go s.writeLoop(ctx, gen, conn, send)
	s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn *websocket.Conn) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(gen, err)
			return
		}
		ev, err := model.DecodeInbound(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		s.box.push(delivery{gen: gen, event: ev, isEv: true})
	}
}

// writeLoop is the only writer of data frames on conn. It drains send and
// keeps the connection alive with pings until ctx ends.
func (s *Session) writeLoop(ctx context.Context, gen uint64, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.connectionLost(gen, err)
				return
			}
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait))
			if err != nil {
				s.connectionLost(gen, err)
				return
			}
		}
	}
}

func (s *Session) connectionLost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.conn == nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Info().Uint64("generation", gen).Msg("connection closed by server")
	} else {
		s.log.Warn().Err(err).Uint64("generation", gen).Msg("connection lost")
	}
	s.closeLocked()
	s.failLocked(gen)
}

// failLocked marks the session disconnected and, if the policy allows,
// schedules a redial bound to gen.
func (s *Session) failLocked(gen uint64) {
	s.setStateLocked(Disconnected)

	p := s.cfg.Reconnect
	if !p.Enabled || s.token == "" || (p.MaxAttempts > 0 && s.attempt >= p.MaxAttempts) {
		return
	}
	delay := p.Delay(s.attempt)
	s.attempt++
	s.log.Info().Dur("delay", delay).Int("attempt", s.attempt).Msg("scheduling redial")

	s.retry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || s.state != Disconnected || s.token == "" {
			return
		}
		s.dialLocked()
	})
}

func (s *Session) closeLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
		s.conn = nil
	}
	s.send = nil
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	metrics.ConnectionState.Set(float64(next))
	metrics.ConnectionTransitions.WithLabelValues(prev.String(), next.String()).Inc()
	s.box.push(delivery{prev: prev, next: next})
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.box.wake:
			for _, d := range s.box.drain() {
				s.dispatch(d)
			}
		}
	}
}

func (s *Session) dispatch(d delivery) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()

	if !d.isEv {
		for _, h := range s.stateHandlers {
			h(d.prev, d.next)
		}
		return
	}

	if d.gen != s.Generation() {
		metrics.StaleEvents.Inc()
		s.log.Debug().Uint64("generation", d.gen).Str("event", d.event.EventName()).Msg("dropping stale event")
		return
	}
	metrics.InboundEvents.WithLabelValues(d.event.EventName()).Inc()
	for _, h := range s.handlers[d.event.EventName()] {
		h(d.event, d.gen)
	}
	for _, h := range s.anyHandlers {
		h(d.event, d.gen)
	}
}
