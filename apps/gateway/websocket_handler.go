package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/metrics"
	"github.com/mahaj/chatsync/pkg/model"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to validate and publish one client event.
	handleTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	userID string
	name   string
	role   string

	limiter        *rate.Limiter
	maxMessageSize int64

	// Guarded by hub.mu.
	rooms  map[string]struct{}
	closed bool
}

// readPump pumps events from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	log := logging.Component("gateway").With().Str("user", c.userID).Logger()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Connection closed unexpectedly")
			}
			break
		}

		ev, err := model.DecodeOutbound(raw)
		if err != nil {
			metrics.GatewayEvents.WithLabelValues("unknown", "malformed").Inc()
			log.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}
		name := ev.EventName()
		if !c.limiter.Allow() {
			metrics.GatewayEvents.WithLabelValues(name, "rate_limited").Inc()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		err = c.hub.handle(ctx, c, ev)
		cancel()

		switch {
		case err == nil:
			metrics.GatewayEvents.WithLabelValues(name, "ok").Inc()
		case errors.Is(err, errForbidden):
			metrics.GatewayEvents.WithLabelValues(name, "forbidden").Inc()
			log.Info().Str("event", name).Msg("Rejected event")
		case errors.Is(err, errInvalid):
			metrics.GatewayEvents.WithLabelValues(name, "invalid").Inc()
		default:
			metrics.GatewayEvents.WithLabelValues(name, "error").Inc()
			log.Error().Err(err).Str("event", name).Msg("Failed to handle event")
		}
	}
}

// writePump pumps frames from the hub to the websocket connection. Each
// frame goes out as its own text message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs authenticates the upgrade request and hands the socket to the hub.
func serveWs(hub *Hub, signer *auth.Signer, cfg config.GatewayConfig) http.HandlerFunc {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := max(cfg.RateBurst, 1)
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = 8192
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Browsers cannot set headers on websocket upgrades, so a query
		// parameter is accepted as well.
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := signer.ValidateToken(token)
		if err != nil {
			logging.Info().Err(err).Msg("Unauthorized: invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn().Err(err).Msg("Upgrade failed")
			return
		}

		name := claims.Name
		if name == "" {
			name = claims.UserID
		}
		client := &Client{
			hub:            hub,
			conn:           conn,
			send:           make(chan []byte, 256),
			userID:         claims.UserID,
			name:           name,
			role:           claims.Role,
			limiter:        rate.NewLimiter(limit, burst),
			maxMessageSize: maxSize,
			rooms:          make(map[string]struct{}),
		}
		if !hub.Register(client) {
			conn.Close()
			return
		}

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.writePump()
		go client.readPump()
	}
}
