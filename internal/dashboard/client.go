// ABOUTME: Represents a single authenticated dashboard client connection.
// ABOUTME: Buffers outbound events so one slow browser never blocks fan-out.

package dashboard

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// sendBufferSize is the per-client event queue. Events beyond it are
	// dropped for that client rather than blocking delivery to others.
	sendBufferSize = 64
)

// Socket is the transport half a client writes to. *websocket.Conn
// satisfies it; tests substitute a recorder.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one authenticated browser session connected to the gateway.
type Client struct {
	UserID string

	sock Socket
	send chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an authenticated socket for the given user.
func NewClient(userID string, sock Socket) *Client {
	return &Client{
		UserID: userID,
		sock:   sock,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// enqueue offers a frame to the client without blocking. It reports whether
// the frame was accepted.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// WritePump serializes all socket writes for the client. Run it in its own
// goroutine; it returns when the client closes or a write fails.
func (c *Client) WritePump() {
	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// Closed is closed once the client is terminally closed.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close terminally closes the client connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
}
