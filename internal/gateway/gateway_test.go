// ABOUTME: Integration tests running real WebSocket traffic through the gateway.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhost/kiln/internal/agent"
	"github.com/kilnhost/kiln/internal/auth"
	"github.com/kilnhost/kiln/internal/config"
	"github.com/kilnhost/kiln/internal/protocol"
	"github.com/kilnhost/kiln/internal/store"
)

const testNodeSecret = "super-secret"

type testGateway struct {
	g      *Gateway
	server *httptest.Server
	wsURL  string
	token  string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "localhost:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "kiln.db")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Gateway.StaleAfter = time.Minute
	cfg.Gateway.RequestTimeout = 5 * time.Second
	cfg.Gateway.MaxResponseBufferMB = 1
	cfg.Gateway.SendBuffer = 16

	g, err := New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		g.hub.Close()
		g.manager.CloseAll()
		g.store.Close()
	})

	ctx := context.Background()
	require.NoError(t, g.store.CreateNode(ctx, &store.Node{
		ID: "node-1", Name: "rack-a", SecretDigest: auth.SecretDigest(testNodeSecret),
	}))
	require.NoError(t, g.store.CreateServer(ctx, &store.Server{
		ID: "srv-1", UUID: "uuid-1", NodeID: "node-1", Name: "lobby",
	}))

	token, err := g.verifier.Generate("admin", time.Hour)
	require.NoError(t, err)

	return &testGateway{
		g:      g,
		server: srv,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		token:  token,
	}
}

func (tg *testGateway) dialAgent(t *testing.T, nodeID, secret string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-Kiln-Node", nodeID)
	header.Set("Authorization", "Bearer "+secret)
	ws, _, err := websocket.DefaultDialer.Dial(tg.wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (tg *testGateway) dialClient(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tg.wsURL+"?token="+tg.token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestAgentConnectAndHeartbeat(t *testing.T) {
	tg := newTestGateway(t)

	ws := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "heartbeat"}))

	waitFor(t, func() bool {
		n, err := tg.g.store.Node(context.Background(), "node-1")
		return err == nil && n.Online && n.LastHeartbeat != nil
	}, "heartbeat never persisted")
}

func TestAgentAuthRejected(t *testing.T) {
	tg := newTestGateway(t)

	header := http.Header{}
	header.Set("X-Kiln-Node", "node-1")
	header.Set("Authorization", "Bearer wrong-secret")
	ws, _, err := websocket.DefaultDialer.Dial(tg.wsURL, header)
	require.NoError(t, err, "auth failures are reported after the upgrade")
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4401, closeErr.Code)
	assert.False(t, tg.g.manager.Online("node-1"))
}

func TestClientAuthRejected(t *testing.T) {
	tg := newTestGateway(t)

	ws, _, err := websocket.DefaultDialer.Dial(tg.wsURL+"?token=garbage", nil)
	require.NoError(t, err)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 4401, closeErr.Code)
}

func TestEventFanOutToSubscribers(t *testing.T) {
	tg := newTestGateway(t)

	agentWS := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	clientWS := tg.dialClient(t)
	waitFor(t, func() bool { return tg.g.hub.Count() == 1 }, "client never registered")

	require.NoError(t, clientWS.WriteJSON(map[string]string{"type": "subscribe", "serverId": "srv-1"}))
	waitFor(t, func() bool { return tg.g.hub.SubscriberCount("srv-1") == 1 }, "subscribe never applied")

	require.NoError(t, agentWS.WriteJSON(map[string]string{
		"type": "server_log", "serverId": "srv-1", "stream": "stdout", "line": "hello",
	}))

	frame := readFrame(t, clientWS)
	assert.Equal(t, "server_log", frame["type"])
	assert.Equal(t, "srv-1", frame["serverId"])
	assert.Equal(t, "hello", frame["line"])
}

func TestServerStatePersistedAndFannedOut(t *testing.T) {
	tg := newTestGateway(t)

	agentWS := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	clientWS := tg.dialClient(t)
	require.NoError(t, clientWS.WriteJSON(map[string]string{"type": "subscribe", "serverId": "srv-1"}))
	waitFor(t, func() bool { return tg.g.hub.SubscriberCount("srv-1") == 1 }, "subscribe never applied")

	require.NoError(t, agentWS.WriteJSON(map[string]string{
		"type": "server_state", "serverId": "srv-1", "state": "running",
	}))

	frame := readFrame(t, clientWS)
	assert.Equal(t, "server_state", frame["type"])
	assert.Equal(t, "running", frame["state"])

	waitFor(t, func() bool {
		srv, err := tg.g.store.Server(context.Background(), "srv-1")
		return err == nil && srv.State == "running"
	}, "state never persisted")
}

func TestConsoleRelayedToAgent(t *testing.T) {
	tg := newTestGateway(t)

	agentWS := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	clientWS := tg.dialClient(t)
	waitFor(t, func() bool { return tg.g.hub.Count() == 1 }, "client never registered")

	require.NoError(t, clientWS.WriteJSON(map[string]string{
		"type": "command", "serverId": "srv-1", "text": "say hi",
	}))

	frame := readFrame(t, agentWS)
	assert.Equal(t, "command", frame["type"])
	assert.Equal(t, "srv-1", frame["serverId"])
	assert.Equal(t, "say hi", frame["input"])
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	tg := newTestGateway(t)

	agentWS := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	require.NoError(t, agentWS.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, agentWS.WriteJSON(map[string]string{"type": "heartbeat"}))

	// Connection survives the bad frame and keeps processing.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, tg.g.manager.Online("node-1"))
}

func TestRequestResponseRoundTrip(t *testing.T) {
	tg := newTestGateway(t)

	agentWS := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	// Fake agent: answer the first download command with two chunks.
	go func() {
		_, data, err := agentWS.ReadMessage()
		if err != nil {
			return
		}
		var cmd map[string]any
		if json.Unmarshal(data, &cmd) != nil {
			return
		}
		cid, _ := cmd["correlationId"].(string)
		_ = agentWS.WriteJSON(map[string]any{
			"type": "response", "correlationId": cid,
			"bytes": []byte("chunk-one,"),
		})
		_ = agentWS.WriteJSON(map[string]any{
			"type": "response", "correlationId": cid,
			"bytes": []byte("chunk-two"), "final": true,
		})
	}()

	data, err := tg.g.manager.RequestWithResponse(context.Background(), "node-1", protocol.Command{
		Type: protocol.KindDownloadBackup, ServerID: "srv-1", BackupID: "bk-1",
	}, agent.RequestOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "chunk-one,chunk-two", string(data))
}

func TestSupersessionClosesOldSocket(t *testing.T) {
	tg := newTestGateway(t)

	first := tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	tg.dialAgent(t, "node-1", testNodeSecret)

	// The first socket is closed by the gateway when the second registers.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, tg.g.manager.Online("node-1"), "newer connection stays registered")
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t)

	resp, err := http.Get(tg.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	tg.dialAgent(t, "node-1", testNodeSecret)
	waitFor(t, func() bool { return tg.g.manager.Online("node-1") }, "agent never registered")

	resp, err = http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
