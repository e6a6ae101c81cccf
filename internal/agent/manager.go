// ABOUTME: Manages connected node agents: registry, command dispatch, liveness.
// ABOUTME: Registering a node id supersedes and closes any previous connection.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnhost/kiln/internal/metrics"
	"github.com/kilnhost/kiln/internal/protocol"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultStaleAfter       = 5 * time.Minute
	DefaultRequestTimeout   = 30 * time.Second
	DefaultMaxResponseBytes = 50 << 20
)

// StatusSink receives node liveness transitions. The persistence layer
// implements it to keep stored online/last-heartbeat state consistent with
// the in-memory view; writes are the sink's responsibility, not the
// manager's.
type StatusSink interface {
	NodeOnline(nodeID string, at time.Time)
	NodeOffline(nodeID string, at time.Time)
	NodeHeartbeat(nodeID string, at time.Time)
}

// Options configures a Manager.
type Options struct {
	// StaleAfter is how long a node may stay silent before it is reported
	// stale. Staleness is independent of the online flag.
	StaleAfter time.Duration

	// RequestTimeout is the default deadline for correlated requests.
	RequestTimeout time.Duration

	// MaxResponseBytes is the default response buffer ceiling.
	MaxResponseBytes int64

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	// Sink, when set, is notified of online/offline/heartbeat transitions.
	Sink StatusSink

	Logger *slog.Logger
}

// NodeStatus is a point-in-time liveness snapshot for one node.
type NodeStatus struct {
	NodeID   string
	Online   bool
	Stale    bool
	LastSeen time.Time
}

// Manager coordinates all connected node agents. It is the single place
// commands enter the wire and responses are matched back to callers.
type Manager struct {
	mu    sync.RWMutex
	nodes map[string]*Connection

	staleAfter     time.Duration
	requestTimeout time.Duration
	maxRespBytes   int64
	sendBuffer     int
	sink           StatusSink
	logger         *slog.Logger
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		nodes:          make(map[string]*Connection),
		staleAfter:     opts.StaleAfter,
		requestTimeout: opts.RequestTimeout,
		maxRespBytes:   opts.MaxResponseBytes,
		sendBuffer:     opts.SendBuffer,
		sink:           opts.Sink,
		logger:         opts.Logger.With("component", "agent-manager"),
	}
}

// NewConnection builds a Connection carrying the manager's send buffer size.
func (m *Manager) NewConnection(nodeID string, sock Socket) *Connection {
	return NewConnection(nodeID, sock, m.sendBuffer, m.logger)
}

// Register installs conn as the node's live connection. Any previous
// connection for the same node id is superseded: it is removed from the
// registry in the same critical section that installs the new one, so there
// is no instant with two live connections, and its pending requests are
// rejected with ErrNodeDisconnected.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	old := m.nodes[conn.NodeID]
	m.nodes[conn.NodeID] = conn
	m.mu.Unlock()

	if old != nil {
		old.Close()
		m.logger.Info("agent superseded", "node_id", conn.NodeID)
	} else {
		metrics.AgentsConnected.Inc()
	}
	m.logger.Info("agent connected", "node_id", conn.NodeID)

	if m.sink != nil {
		m.sink.NodeOnline(conn.NodeID, time.Now())
	}
}

// Remove drops conn from the registry and closes it. If the node has
// meanwhile been superseded by a newer connection, the newer one stays
// registered and no offline transition is reported.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	current, ok := m.nodes[conn.NodeID]
	removed := ok && current == conn
	if removed {
		delete(m.nodes, conn.NodeID)
	}
	m.mu.Unlock()

	conn.Close()

	if !removed {
		return
	}
	metrics.AgentsConnected.Dec()
	m.logger.Info("agent disconnected", "node_id", conn.NodeID)
	if m.sink != nil {
		m.sink.NodeOffline(conn.NodeID, time.Now())
	}
}

// Get returns the live connection for a node, if any. Callers that suspend
// after this must re-fetch rather than trust the captured reference, since
// supersession may occur meanwhile.
func (m *Manager) Get(nodeID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.nodes[nodeID]
	return conn, ok
}

// Online reports whether a live connection exists for the node.
func (m *Manager) Online(nodeID string) bool {
	_, ok := m.Get(nodeID)
	return ok
}

// Stale reports whether the node's last traffic is older than the staleness
// threshold. A node can be online and stale at once: socket open, agent not
// responding.
func (m *Manager) Stale(nodeID string) bool {
	conn, ok := m.Get(nodeID)
	if !ok {
		return false
	}
	return time.Since(conn.LastSeen()) > m.staleAfter
}

// Status returns the liveness snapshot for one node. Offline nodes report
// a zero LastSeen; the stored value is the persistence layer's concern.
func (m *Manager) Status(nodeID string) NodeStatus {
	conn, ok := m.Get(nodeID)
	if !ok {
		return NodeStatus{NodeID: nodeID}
	}
	last := conn.LastSeen()
	return NodeStatus{
		NodeID:   nodeID,
		Online:   true,
		Stale:    time.Since(last) > m.staleAfter,
		LastSeen: last,
	}
}

// Count reports the number of live agent connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// CloseAll terminates every live agent connection, e.g. on process shutdown.
// Pending requests are rejected with ErrNodeDisconnected.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.nodes))
	for _, conn := range m.nodes {
		conns = append(conns, conn)
	}
	m.nodes = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
		metrics.AgentsConnected.Dec()
	}
}

// Heartbeat records an explicit heartbeat frame from the node.
func (m *Manager) Heartbeat(nodeID string) {
	if conn, ok := m.Get(nodeID); ok {
		conn.Touch()
	}
	if m.sink != nil {
		m.sink.NodeHeartbeat(nodeID, time.Now())
	}
}

// SendCommand dispatches a fire-and-forget command to the node's agent.
// It returns false iff no live connection exists at call time or the write
// fails; there is no queuing and no retry. Callers decide on fallback.
func (m *Manager) SendCommand(nodeID string, cmd protocol.Command) bool {
	conn, ok := m.Get(nodeID)
	if !ok {
		metrics.CommandsTotal.WithLabelValues(metrics.ResultOffline).Inc()
		return false
	}

	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		m.logger.Error("encoding command", "node_id", nodeID, "type", cmd.Type, "error", err)
		metrics.CommandsTotal.WithLabelValues(metrics.ResultError).Inc()
		return false
	}

	if err := conn.Send(frame); err != nil {
		m.logger.Warn("command write failed", "node_id", nodeID, "type", cmd.Type, "error", err)
		metrics.CommandsTotal.WithLabelValues(metrics.ResultError).Inc()
		return false
	}

	metrics.CommandsTotal.WithLabelValues(metrics.ResultOK).Inc()
	return true
}

// RequestWithResponse dispatches a command annotated with a fresh
// correlation id and blocks until the matching final response arrives, the
// buffer limit is exceeded, the deadline elapses, or the connection goes
// away. Every outcome removes the pending entry exactly once; nothing is
// left in the table past its deadline.
func (m *Manager) RequestWithResponse(ctx context.Context, nodeID string, cmd protocol.Command, opts RequestOptions) ([]byte, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = m.maxRespBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = m.requestTimeout
	}

	conn, ok := m.Get(nodeID)
	if !ok {
		return nil, ErrNodeDisconnected
	}

	cmd.CorrelationID = uuid.New().String()
	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	p := conn.createRequest(cmd.CorrelationID, opts.MaxBytes)
	if err := conn.Send(frame); err != nil {
		conn.failRequest(cmd.CorrelationID, ErrNodeDisconnected)
		<-p.done
		return nil, ErrNodeDisconnected
	}

	m.logger.Debug("request dispatched",
		"node_id", nodeID,
		"type", cmd.Type,
		"correlation_id", cmd.CorrelationID,
		"timeout", opts.Timeout,
	)

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		conn.failRequest(cmd.CorrelationID, ErrRequestTimeout)
		<-p.done
	case <-ctx.Done():
		conn.failRequest(cmd.CorrelationID, ctx.Err())
		<-p.done
	}
	return p.result, p.err
}
