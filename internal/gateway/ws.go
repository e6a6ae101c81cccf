// ABOUTME: The single WebSocket endpoint for node agents and dashboard clients.
// ABOUTME: Classifies and authenticates the peer, then runs its read loop.

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilnhost/kiln/internal/agent"
	"github.com/kilnhost/kiln/internal/dashboard"
	"github.com/kilnhost/kiln/internal/metrics"
	"github.com/kilnhost/kiln/internal/protocol"
	"github.com/kilnhost/kiln/internal/store"
)

const (
	// nodeIDHeader identifies the connecting peer as a node agent.
	nodeIDHeader = "X-Kiln-Node"

	pongWait        = 60 * time.Second
	maxFrameBytes   = 1 << 20
	closeAuthDenied = 4401
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin check for browsers; agents send no Origin header.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if after, ok := strings.CutPrefix(origin, "http://"); ok {
			return after == host
		}
		if after, ok := strings.CutPrefix(origin, "https://"); ok {
			return after == host
		}
		return false
	},
}

// handleWebSocket upgrades the connection, then authenticates. Auth failures
// after the upgrade are reported with a close frame so the peer can tell a
// credential problem from a network one.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get(nodeIDHeader)
	nodeSecret := bearerToken(r)
	clientToken := r.URL.Query().Get("token")
	if clientToken == "" && nodeID == "" {
		clientToken = bearerToken(r)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	if nodeID != "" {
		if err := g.nodeAuth.Verify(r.Context(), nodeID, nodeSecret); err != nil {
			g.rejectSocket(ws, "node authentication failed")
			return
		}
		g.serveAgent(nodeID, ws)
		return
	}

	userID, err := g.verifier.Verify(clientToken)
	if err != nil {
		g.rejectSocket(ws, "invalid session token")
		return
	}
	g.serveClient(userID, ws)
}

func bearerToken(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return after
	}
	return ""
}

func (g *Gateway) rejectSocket(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeAuthDenied, reason), deadline)
	_ = ws.Close()
}

// serveAgent registers the node connection and pumps frames until it drops.
func (g *Gateway) serveAgent(nodeID string, ws *websocket.Conn) {
	conn := g.manager.NewConnection(nodeID, ws)
	g.manager.Register(conn)
	go conn.WritePump()
	defer g.manager.Remove(conn)

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("agent read failed", "node_id", nodeID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.Touch()

		frame, err := protocol.DecodeAgentFrame(data)
		if err != nil {
			// A bad frame is the frame's problem, not the connection's.
			metrics.ProtocolErrors.Inc()
			g.logger.Warn("rejected agent frame", "node_id", nodeID, "error", err)
			continue
		}

		g.routeAgentFrame(nodeID, conn, frame)
	}
}

// routeAgentFrame handles one decoded agent frame: liveness, correlation, or
// fan-out to subscribed dashboard clients.
func (g *Gateway) routeAgentFrame(nodeID string, conn *agent.Connection, frame protocol.AgentFrame) {
	switch f := frame.(type) {
	case protocol.Heartbeat:
		g.manager.Heartbeat(nodeID)

	case protocol.Response:
		conn.HandleResponse(f)

	case protocol.ServerState:
		if err := g.store.SetServerState(context.Background(), f.ServerID, f.State); err != nil && !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("persisting server state", "server_id", f.ServerID, "error", err)
		}
		g.fanOut(frame)

	case protocol.ServerLog, protocol.ResourceStats:
		g.fanOut(frame)
	}
}

func (g *Gateway) fanOut(frame protocol.AgentFrame) {
	encoded, err := protocol.EncodeEvent(frame)
	if err != nil {
		g.logger.Error("encoding event", "kind", frame.Kind(), "error", err)
		return
	}
	g.hub.Broadcast(protocol.EventServerID(frame), encoded)
}

// serveClient registers the dashboard client and pumps frames until it drops.
func (g *Gateway) serveClient(userID string, ws *websocket.Conn) {
	client := dashboard.NewClient(userID, ws)
	g.hub.Register(client)
	go client.WritePump()
	defer g.hub.Remove(client)

	ws.SetReadLimit(maxFrameBytes)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.DecodeClientFrame(data)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			g.logger.Warn("rejected client frame", "user_id", userID, "error", err)
			continue
		}

		g.routeClientFrame(client, frame)
	}
}

// routeClientFrame handles one decoded client frame: subscription changes or
// console input relayed to the owning node.
func (g *Gateway) routeClientFrame(client *dashboard.Client, frame protocol.ClientFrame) {
	switch f := frame.(type) {
	case protocol.Subscribe:
		g.hub.Subscribe(client, f.ServerID)

	case protocol.Unsubscribe:
		g.hub.Unsubscribe(client, f.ServerID)

	case protocol.Console:
		srv, err := g.store.Server(context.Background(), f.ServerID)
		if err != nil {
			g.logger.Warn("console for unknown server", "server_id", f.ServerID, "user_id", client.UserID)
			return
		}
		ok := g.manager.SendCommand(srv.NodeID, protocol.Command{
			Type:       protocol.KindConsole,
			ServerID:   srv.ID,
			ServerUUID: srv.UUID,
			Input:      f.Text,
		})
		if !ok {
			g.logger.Debug("console dropped, node offline",
				"server_id", f.ServerID, "node_id", srv.NodeID)
		}
	}
}
