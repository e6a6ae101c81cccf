// ABOUTME: Typed frame catalog for the gateway WebSocket protocol.
// ABOUTME: Defines agent-bound commands, agent-originated frames, and client frames.

package protocol

import (
	"errors"
	"fmt"
)

// Kind is the wire discriminator carried in every frame's "type" field.
type Kind string

// Agent-originated frame kinds.
const (
	KindHeartbeat     Kind = "heartbeat"
	KindServerLog     Kind = "server_log"
	KindServerState   Kind = "server_state"
	KindResourceStats Kind = "resource_stats"
	KindResponse      Kind = "response"
)

// Client-originated frame kinds.
const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindConsole     Kind = "command"
)

// Node-bound command kinds.
const (
	KindStart          Kind = "start"
	KindStop           Kind = "stop"
	KindRestart        Kind = "restart"
	KindInstall        Kind = "install"
	KindCreateBackup   Kind = "create_backup"
	KindRestoreBackup  Kind = "restore_backup"
	KindDeleteBackup   Kind = "delete_backup"
	KindDownloadBackup Kind = "download_backup"
)

// Log stream tags carried by server_log frames.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamStdin  = "stdin"
	StreamSystem = "system"
)

// ProtocolError reports a malformed or unrecognized frame. The connection
// that produced it stays open; the frame is logged and dropped.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Reason
}

func protoErrf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// AgentFrame is a frame received from a node agent.
type AgentFrame interface {
	Kind() Kind
	agentFrame()
}

// ClientFrame is a frame received from a dashboard client.
type ClientFrame interface {
	Kind() Kind
	clientFrame()
}

// Heartbeat is an explicit liveness refresh. Any agent frame refreshes
// liveness; heartbeats exist so an idle agent still reports in.
type Heartbeat struct{}

func (Heartbeat) Kind() Kind  { return KindHeartbeat }
func (Heartbeat) agentFrame() {}

// ServerLog carries one console line from a game server.
type ServerLog struct {
	ServerID string `json:"serverId"`
	Stream   string `json:"stream"`
	Line     string `json:"line"`
}

func (ServerLog) Kind() Kind  { return KindServerLog }
func (ServerLog) agentFrame() {}

// ServerState reports a lifecycle transition for a game server.
type ServerState struct {
	ServerID string `json:"serverId"`
	State    string `json:"state"`
}

func (ServerState) Kind() Kind  { return KindServerState }
func (ServerState) agentFrame() {}

// NetworkSample is the network portion of a resource sample.
type NetworkSample struct {
	RxBytes uint64 `json:"rxBytes"`
	TxBytes uint64 `json:"txBytes"`
}

// ResourceStats is a telemetry sample for one game server.
type ResourceStats struct {
	ServerID string        `json:"serverId"`
	CPU      float64       `json:"cpu"`
	Memory   uint64        `json:"memory"`
	Disk     uint64        `json:"disk"`
	Network  NetworkSample `json:"network"`
}

func (ResourceStats) Kind() Kind  { return KindResourceStats }
func (ResourceStats) agentFrame() {}

// Response answers a pending correlated request. Large payloads arrive as
// a sequence of chunks sharing one correlation id; Final marks the last.
// A non-empty Error terminates the request in place of payload bytes.
type Response struct {
	CorrelationID string `json:"correlationId"`
	Bytes         []byte `json:"bytes,omitempty"`
	Final         bool   `json:"final"`
	Error         string `json:"error,omitempty"`
}

func (Response) Kind() Kind  { return KindResponse }
func (Response) agentFrame() {}

// Subscribe adds the sending client to a server's fan-out set.
type Subscribe struct {
	ServerID string `json:"serverId"`
}

func (Subscribe) Kind() Kind   { return KindSubscribe }
func (Subscribe) clientFrame() {}

// Unsubscribe removes the sending client from a server's fan-out set.
type Unsubscribe struct {
	ServerID string `json:"serverId"`
}

func (Unsubscribe) Kind() Kind   { return KindUnsubscribe }
func (Unsubscribe) clientFrame() {}

// Console is console input typed by a dashboard user, passed through to
// the agent supervising the server.
type Console struct {
	ServerID string `json:"serverId"`
	Text     string `json:"text"`
}

func (Console) Kind() Kind   { return KindConsole }
func (Console) clientFrame() {}

// Command is a node-bound imperative action. CorrelationID is set only for
// request/response commands; the rest are fire-and-forget.
type Command struct {
	Type          Kind   `json:"type"`
	ServerID      string `json:"serverId,omitempty"`
	ServerUUID    string `json:"serverUuid,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Input         string `json:"input,omitempty"`
	BackupID      string `json:"backupId,omitempty"`
	BackupPath    string `json:"backupPath,omitempty"`
}

var commandKinds = map[Kind]bool{
	KindStart:          true,
	KindStop:           true,
	KindRestart:        true,
	KindInstall:        true,
	KindConsole:        true,
	KindCreateBackup:   true,
	KindRestoreBackup:  true,
	KindDeleteBackup:   true,
	KindDownloadBackup: true,
}

// ErrUnknownCommand is returned when encoding a command outside the catalog.
var ErrUnknownCommand = errors.New("unknown command kind")

// Validate checks the command kind and required fields before encoding.
func (c Command) Validate() error {
	if !commandKinds[c.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
	}
	if c.ServerID == "" {
		return fmt.Errorf("command %q: serverId is required", c.Type)
	}
	if c.Type == KindConsole && c.Input == "" {
		return fmt.Errorf("command %q: input is required", c.Type)
	}
	return nil
}
