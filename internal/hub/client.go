package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/agenthub/internal/registry"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Errors returned by Client.Send.
var (
	ErrClosed      = errors.New("connection closed")
	ErrSendTimeout = errors.New("send timed out, slow consumer")
)

// Client is the WebSocket side of one registered connection.
type Client struct {
	conn  *websocket.Conn
	hub   *Hub
	entry *registry.Connection
	log   zerolog.Logger

	send        chan []byte
	sendTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn:        conn,
		hub:         h,
		log:         h.log,
		send:        make(chan []byte, h.opts.SendBuffer),
		sendTimeout: h.opts.SendTimeout,
		done:        make(chan struct{}),
	}
}

// Send queues data for the write pump. When the queue stays full for the
// send timeout the client is closed as a slow consumer.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		c.log.Warn().Dur("timeout", c.sendTimeout).Msg("send buffer full, closing slow consumer")
		c.Close()
		return ErrSendTimeout
	}
}

// Close stops the write pump, which closes the socket. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads messages from the WebSocket connection. Messages are
// dispatched in receipt order on this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.reg.Remove(c.entry)
		c.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Debug().Int("message_type", msgType).Msg("ignoring non-text frame")
			continue
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.dispatch(c, data)
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.drain()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before Close, such as a final error envelope.
// The whole drain shares one write deadline.
func (c *Client) drain() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
