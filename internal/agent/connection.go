// ABOUTME: Represents a single connected node agent and its outbound queue.
// ABOUTME: Owns the pending request table and routes response chunks by id.

package agent

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilnhost/kiln/internal/metrics"
	"github.com/kilnhost/kiln/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 25 * time.Second
)

// Socket is the transport half a connection writes to. *websocket.Conn
// satisfies it; tests substitute a recorder.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection represents a connected node agent. Exactly one live Connection
// exists per node id; registering a newer one supersedes and closes this one.
type Connection struct {
	NodeID string

	sock     Socket
	send     chan []byte
	lastSeen atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingRequest

	closed    chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewConnection wraps an authenticated socket for the given node.
func NewConnection(nodeID string, sock Socket, sendBuffer int, logger *slog.Logger) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	c := &Connection{
		NodeID:  nodeID,
		sock:    sock,
		send:    make(chan []byte, sendBuffer),
		pending: make(map[string]*pendingRequest),
		closed:  make(chan struct{}),
		logger:  logger.With("node_id", nodeID),
	}
	c.Touch()
	return c
}

// Touch refreshes the liveness timestamp. Called for every inbound frame,
// not only explicit heartbeats.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen reports when the agent last sent any traffic.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Closed is closed once the connection is terminally closed.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// Send enqueues a frame for the write pump. It never blocks: a full queue
// is a write failure, which callers treat the same as a dead connection.
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// WritePump serializes all socket writes. Run it in its own goroutine; it
// returns when the connection closes or a write fails.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
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

// Close terminally closes the connection and rejects every pending request
// with ErrNodeDisconnected. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.sock.Close()

		c.mu.Lock()
		for _, p := range c.pending {
			c.settleLocked(p, nil, ErrNodeDisconnected)
		}
		c.mu.Unlock()
	})
}

// createRequest installs a pending request in the table.
func (c *Connection) createRequest(id string, maxBytes int64) *pendingRequest {
	p := newPendingRequest(id, maxBytes)
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	metrics.PendingRequests.Inc()
	return p
}

// failRequest settles a pending request with err. Returns false if the
// request already settled (a response won the race).
func (c *Connection) failRequest(id string, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	c.settleLocked(p, nil, err)
	return true
}

// HandleResponse routes a response frame to its pending request. Chunks are
// appended in arrival order; the buffer limit is enforced per chunk so the
// first chunk that would exceed it rejects the request immediately. Frames
// for unknown correlation ids are logged and discarded.
func (c *Connection) HandleResponse(resp protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[resp.CorrelationID]
	if !ok {
		c.logger.Debug("response for unknown request", "correlation_id", resp.CorrelationID)
		return
	}

	if resp.Error != "" {
		c.settleLocked(p, nil, &RemoteError{Message: resp.Error})
		return
	}

	if len(resp.Bytes) > 0 {
		if p.maxBytes > 0 && int64(p.buf.Len())+int64(len(resp.Bytes)) > p.maxBytes {
			c.settleLocked(p, nil, newBufferLimitError(p.maxBytes))
			return
		}
		p.buf.Write(resp.Bytes)
	}

	if resp.Final {
		c.settleLocked(p, p.buf.Bytes(), nil)
	}
}

// settleLocked completes a request exactly once and removes it from the
// table. Callers hold c.mu.
func (c *Connection) settleLocked(p *pendingRequest, result []byte, err error) {
	if p.settled {
		return
	}
	p.settled = true
	p.result = result
	p.err = err
	delete(c.pending, p.id)
	metrics.PendingRequests.Dec()
	close(p.done)
}

// pendingCount reports table size, for tests and introspection.
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
