package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"gizchat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBuffer = 256
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrBufferFull   = errors.New("client send buffer full")
)

// Sink receives serialized events for one connection.
type Sink interface {
	Deliver(payload []byte) error
}

// Conn is the subset of a websocket connection the pumps need.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Client is the middleman between one websocket connection and the groups
// it belongs to. Outbound payloads are queued and written by WritePump.
type Client struct {
	conn   Conn
	UserID uint
	hub    string

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}
}

// NewClient creates a new Client instance.
func NewClient(hub string, conn Conn, userID uint) *Client {
	return &Client{
		conn:   conn,
		UserID: userID,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Deliver queues payload without blocking. When the buffer is full the
// payload is dropped and the client is told so it can re-sync.
func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hub, "closed").Inc()
		return ErrClientClosed
	}

	select {
	case c.send <- payload:
		return nil
	default:
	}

	observability.WebSocketBackpressureDrops.WithLabelValues(c.hub, "full").Inc()
	observability.GlobalLogger.Warn("client buffer full, dropped message",
		"hub", c.hub, "user_id", c.UserID)
	dropNotice := []byte(`{"type":"messages_dropped","reason":"buffer_full"}`)
	select {
	case c.send <- dropNotice:
	default:
	}
	return ErrBufferFull
}

// Close stops the write pump after it drains what is already queued. Safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Done is closed when the write pump exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump reads frames until the connection fails and passes each to
// handle. Frames are handled one at a time, in arrival order.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, frame []byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		handle(ctx, frame)
	}
}

// WritePump writes queued payloads and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
