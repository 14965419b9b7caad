// Package client is a reconnecting WebSocket client for the hub.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when sending while no connection is up.
var ErrNotConnected = errors.New("not connected to hub")

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected(connectionID string)
	OnDisconnected()
}

// Config describes how to reach the hub and who to connect as.
type Config struct {
	URL             string // ws://host:port/ws
	Role            string // agent, app, ui or provider
	AgentID         string
	ThreadID        string
	AgentInstanceID string
	Header          http.Header
	QueueSize       int // Messages() buffer, default 100
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// Client manages the WebSocket connection to the hub.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	handler ConnectionHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connID    string
	connected bool
	up        chan struct{} // closed while connected
	backoff   time.Duration

	messages chan *protocol.Envelope

	waitMu  sync.Mutex
	waiters map[string]chan *protocol.Envelope
}

// New creates a client. handler may be nil.
func New(cfg Config, log zerolog.Logger, handler ConnectionHandler) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Client{
		cfg:      cfg,
		log:      log.With().Str("component", "client").Logger(),
		handler:  handler,
		up:       make(chan struct{}),
		backoff:  initialBackoff,
		messages: make(chan *protocol.Envelope, cfg.QueueSize),
		waiters:  make(map[string]chan *protocol.Envelope),
	}
}

// Run connects to the hub and maintains the connection.
// It blocks until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		c.backoff = initialBackoff

		c.readLoop(ctx, conn)

		// Disconnected - wait before reconnecting
		c.waitBackoff(ctx)
	}
}

// dialURL adds the handshake parameters to the configured URL.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	q := u.Query()
	for key, v := range map[string]string{
		"role":            c.cfg.Role,
		"agentId":         c.cfg.AgentID,
		"threadId":        c.cfg.ThreadID,
		"agentInstanceId": c.cfg.AgentInstanceID,
	} {
		if v != "" {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect establishes the WebSocket connection.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("url", target).Msg("connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, target, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	close(c.up)
	c.mu.Unlock()

	go c.pingLoop(ctx, conn)
	return conn, nil
}

// readLoop reads messages from the WebSocket.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.connID = ""
		c.up = make(chan struct{})
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		if c.handler != nil {
			c.handler.OnDisconnected()
		}
	}()

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		c.log.Debug().Str("type", env.Type).Str("action", env.Action).Msg("received message")

		if env.Type == protocol.TypeHub && env.Action == protocol.ActionWelcome {
			c.welcome(env)
		}
		if c.deliverReply(env) {
			continue
		}

		select {
		case c.messages <- env:
		default:
			c.log.Warn().Msg("message queue full, dropping message")
		}
	}
}

func (c *Client) welcome(env *protocol.Envelope) {
	var p protocol.WelcomePayload
	if err := env.ParsePayload(&p); err != nil {
		c.log.Warn().Err(err).Msg("invalid welcome")
		return
	}
	c.mu.Lock()
	c.connID = p.ConnectionID
	c.mu.Unlock()

	c.log.Info().Str("connection_id", p.ConnectionID).Str("role", p.Role).Msg("connected to hub")
	if c.handler != nil {
		c.handler.OnConnected(p.ConnectionID)
	}
}

// deliverReply hands env to a pending Request with the same requestId.
// Notifications carry their own ids and are never replies.
func (c *Client) deliverReply(env *protocol.Envelope) bool {
	if env.RequestID == "" || protocol.IsNotifyType(env.Type) {
		return false
	}
	c.waitMu.Lock()
	ch, ok := c.waiters[env.RequestID]
	if ok {
		delete(c.waiters, env.RequestID)
	}
	c.waitMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// pingLoop sends periodic pings on conn until it is replaced or fails.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// waitBackoff waits for the current backoff duration.
func (c *Client) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// Exponential backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// Send writes env to the hub.
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := env.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Request sends env and waits for the envelope carrying the same requestId.
// An empty requestId is assigned. Error envelopes are returned, not converted
// to Go errors.
func (c *Client) Request(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if env.RequestID == "" {
		if env.Raw() != nil {
			return nil, errors.New("parsed envelope without requestId")
		}
		env.RequestID = uuid.NewString()
	}

	ch := make(chan *protocol.Envelope, 1)
	c.waitMu.Lock()
	if _, dup := c.waiters[env.RequestID]; dup {
		c.waitMu.Unlock()
		return nil, fmt.Errorf("request %s already waiting", env.RequestID)
	}
	c.waiters[env.RequestID] = ch
	c.waitMu.Unlock()

	forget := func() {
		c.waitMu.Lock()
		delete(c.waiters, env.RequestID)
		c.waitMu.Unlock()
	}

	if err := c.Send(env); err != nil {
		forget()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// WaitConnected blocks until the hub has welcomed the client or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		up, id := c.up, c.connID
		c.mu.Unlock()

		if id != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-up:
			// Connected; the welcome may still be in flight.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// Messages returns the channel for incoming messages that are not replies.
func (c *Client) Messages() <-chan *protocol.Envelope {
	return c.messages
}

// ConnectionID returns the id the hub assigned, or "" while disconnected.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
