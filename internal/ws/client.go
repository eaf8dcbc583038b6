package ws

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"relay-service/internal/observability"
	"relay-service/internal/protocol"
)

// Client is one live connection. Frames are queued on a bounded buffer and
// written by the connection's write pump; pushing never blocks.
type Client struct {
	info ConnInfo
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	mu       sync.RWMutex
	userID   int
	botID    int
	visible  bool
	protocol protocol.Version
}

// NewClient wraps conn. A nil conn is allowed for in-process clients.
func NewClient(info ConnInfo, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	return &Client{
		info: info,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.info.ConnID }

func (c *Client) Info() ConnInfo { return c.info }

func (c *Client) UserID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) BotID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botID
}

// Authenticated reports whether the connection is bound to a user or a bot.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != 0 || c.botID != 0
}

func (c *Client) Visible() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visible
}

func (c *Client) Protocol() protocol.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocol
}

func (c *Client) Closed() bool { return c.closed.Load() }

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Outbox exposes queued frames for in-process consumers.
func (c *Client) Outbox() <-chan []byte { return c.send }

// Push queues a frame. A full buffer means the peer is not reading; the client is
// closed rather than letting it stall fan-out.
func (c *Client) Push(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		observability.IncDroppedFrame()
		log.Printf("ws send buffer full conn_id=%s user_id=%d, closing", c.ID(), c.UserID())
		c.Close()
		return false
	}
}

// Send encodes and queues one event.
func (c *Client) Send(event string, data any) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		log.Printf("ws encode failed conn_id=%s event=%s: %v", c.ID(), event, err)
		return false
	}
	return c.Push(frame)
}

// Close stops further delivery. The write pump flushes what is queued and closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}
