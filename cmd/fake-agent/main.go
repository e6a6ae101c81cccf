// ABOUTME: Fake node agent for exercising the gateway without real hosts.
// ABOUTME: Heartbeats, emits logs and stats, and answers commands plausibly.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	gatewayURL := flag.String("gateway", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	nodeID := flag.String("node", "", "Node ID (required)")
	secret := flag.String("secret", "", "Node secret (required)")
	serverID := flag.String("server", "srv-demo", "Server ID to report events for")
	heartbeat := flag.Duration("heartbeat", 15*time.Second, "Heartbeat interval")
	chatty := flag.Bool("chatty", false, "Emit a log line and resource stats every few seconds")
	flag.Parse()

	if *nodeID == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "both -node and -secret are required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("node_id", *nodeID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *gatewayURL, *nodeID, *secret, *serverID, *heartbeat, *chatty); err != nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, url, nodeID, secret, serverID string, heartbeat time.Duration, chatty bool) error {
	header := http.Header{}
	header.Set("X-Kiln-Node", nodeID)
	header.Set("Authorization", "Bearer "+secret)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer ws.Close()
	logger.Info("connected", "gateway", url)

	// A dropped socket stops the main loop the same way a signal does.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a := &fakeAgent{ws: ws, serverID: serverID, logger: logger, state: "offline"}
	go a.readLoop(cancel)

	heartbeatTicker := time.NewTicker(heartbeat)
	defer heartbeatTicker.Stop()

	var chatTicker *time.Ticker
	var chatC <-chan time.Time
	if chatty {
		chatTicker = time.NewTicker(5 * time.Second)
		defer chatTicker.Stop()
		chatC = chatTicker.C
	}

	a.send(map[string]any{"type": "heartbeat"})

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case <-heartbeatTicker.C:
			a.send(map[string]any{"type": "heartbeat"})
		case <-chatC:
			a.emitChatter()
		}
	}
}

type fakeAgent struct {
	ws       *websocket.Conn
	serverID string
	logger   *slog.Logger
	state    string

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (a *fakeAgent) send(frame map[string]any) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.ws.WriteJSON(frame); err != nil {
		a.logger.Warn("write failed", "error", err)
	}
}

func (a *fakeAgent) readLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := a.ws.ReadMessage()
		if err != nil {
			a.logger.Info("connection closed", "error", err)
			return
		}

		var cmd map[string]any
		if err := json.Unmarshal(data, &cmd); err != nil {
			a.logger.Warn("unparseable command", "error", err)
			continue
		}
		a.handleCommand(cmd)
	}
}

func (a *fakeAgent) handleCommand(cmd map[string]any) {
	kind, _ := cmd["type"].(string)
	serverID, _ := cmd["serverId"].(string)
	correlationID, _ := cmd["correlationId"].(string)
	a.logger.Info("command received", "type", kind, "server_id", serverID)

	switch kind {
	case "start", "restart":
		a.transition(serverID, "starting")
		time.AfterFunc(500*time.Millisecond, func() { a.transition(serverID, "running") })

	case "stop":
		a.transition(serverID, "stopping")
		time.AfterFunc(500*time.Millisecond, func() { a.transition(serverID, "offline") })

	case "install":
		a.transition(serverID, "installing")
		time.AfterFunc(2*time.Second, func() { a.transition(serverID, "offline") })

	case "command":
		input, _ := cmd["input"].(string)
		a.send(map[string]any{
			"type": "server_log", "serverId": serverID,
			"stream": "stdin", "line": input,
		})
		a.send(map[string]any{
			"type": "server_log", "serverId": serverID,
			"stream": "stdout", "line": "ok: " + input,
		})

	case "create_backup":
		a.send(map[string]any{
			"type": "server_log", "serverId": serverID,
			"stream": "system", "line": "backup complete",
		})

	case "restore_backup", "delete_backup":
		// Acknowledged silently; nothing to stream back.

	case "download_backup":
		a.streamBackup(correlationID)

	default:
		a.logger.Warn("unknown command", "type", kind)
	}
}

func (a *fakeAgent) transition(serverID, state string) {
	a.state = state
	a.send(map[string]any{"type": "server_state", "serverId": serverID, "state": state})
}

// streamBackup answers a download request with a few chunks and a final frame.
func (a *fakeAgent) streamBackup(correlationID string) {
	if correlationID == "" {
		return
	}
	for i := 0; i < 3; i++ {
		a.send(map[string]any{
			"type":          "response",
			"correlationId": correlationID,
			"bytes":         []byte(fmt.Sprintf("fake-archive-chunk-%d;", i)),
			"final":         i == 2,
		})
	}
}

func (a *fakeAgent) emitChatter() {
	a.send(map[string]any{
		"type": "server_log", "serverId": a.serverID,
		"stream": "stdout", "line": fmt.Sprintf("tick at %s", time.Now().Format(time.RFC3339)),
	})
	a.send(map[string]any{
		"type": "resource_stats", "serverId": a.serverID,
		"cpu": 12.5, "memory": uint64(512 << 20), "disk": uint64(4 << 30),
		"network": map[string]uint64{"rxBytes": 1024, "txBytes": 2048},
	})
}
