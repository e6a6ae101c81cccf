// ABOUTME: Registry and fan-out hub for dashboard client connections.
// ABOUTME: Routes server-tagged events to exactly the subscribed clients.

package dashboard

import (
	"log/slog"
	"sync"

	"github.com/kilnhost/kiln/internal/metrics"
)

// Hub owns the set of connected dashboard clients and the derived index
// from server id to interested clients. A client receives an event iff it
// is subscribed to the event's server id at delivery time.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byUser  map[string]map[*Client]struct{}
	// subs indexes subscribed clients by server id.
	subs map[string]map[*Client]struct{}
	// topics is the reverse index, used to clean subs up on removal.
	topics map[*Client]map[string]struct{}

	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		byUser:  make(map[string]map[*Client]struct{}),
		subs:    make(map[string]map[*Client]struct{}),
		topics:  make(map[*Client]map[string]struct{}),
		logger:  logger.With("component", "dashboard-hub"),
	}
}

// Register adds a client to the hub. A user may hold several connections
// (multiple tabs); each subscribes independently.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if _, ok := h.byUser[c.UserID]; !ok {
		h.byUser[c.UserID] = make(map[*Client]struct{})
	}
	h.byUser[c.UserID][c] = struct{}{}
	h.topics[c] = make(map[string]struct{})
	h.mu.Unlock()

	metrics.ClientsConnected.Inc()
	h.logger.Debug("client connected", "user_id", c.UserID)
}

// Remove drops a client and all its subscriptions, then closes it.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		if conns := h.byUser[c.UserID]; conns != nil {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.byUser, c.UserID)
			}
		}
		for serverID := range h.topics[c] {
			h.dropSubLocked(c, serverID)
		}
		delete(h.topics, c)
	}
	h.mu.Unlock()

	c.Close()

	if present {
		metrics.ClientsConnected.Dec()
		h.logger.Debug("client disconnected", "user_id", c.UserID)
	}
}

// Subscribe adds the client to a server's fan-out set.
func (h *Hub) Subscribe(c *Client, serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if _, ok := h.subs[serverID]; !ok {
		h.subs[serverID] = make(map[*Client]struct{})
	}
	h.subs[serverID][c] = struct{}{}
	h.topics[c][serverID] = struct{}{}
}

// Unsubscribe removes the client from a server's fan-out set.
func (h *Hub) Unsubscribe(c *Client, serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.dropSubLocked(c, serverID)
	delete(h.topics[c], serverID)
}

func (h *Hub) dropSubLocked(c *Client, serverID string) {
	if set := h.subs[serverID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, serverID)
		}
	}
}

// Broadcast delivers an encoded event to every client subscribed to the
// server. Delivery is non-blocking per client: a slow or broken client has
// its event dropped and never delays the others.
func (h *Hub) Broadcast(serverID string, frame []byte) {
	h.mu.RLock()
	set := h.subs[serverID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(frame) {
			metrics.EventsFanout.Inc()
		} else {
			metrics.EventsDropped.Inc()
			h.logger.Debug("dropped event for slow client",
				"user_id", c.UserID, "server_id", serverID)
		}
	}
}

// Count reports the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount reports how many clients are subscribed to a server.
func (h *Hub) SubscriberCount(serverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[serverID])
}

// Close terminates every client connection, e.g. on process shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.byUser = make(map[string]map[*Client]struct{})
	h.subs = make(map[string]map[*Client]struct{})
	h.topics = make(map[*Client]map[string]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
		metrics.ClientsConnected.Dec()
	}
}
