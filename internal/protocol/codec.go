// ABOUTME: Frame codec: parses inbound byte frames into typed messages and
// ABOUTME: serializes outbound commands and events, validating at the boundary.

package protocol

import (
	"encoding/json"
)

// envelope is the superset of fields any inbound frame may carry. Decoding
// first reads the discriminator, then re-checks the fields the kind requires.
type envelope struct {
	Type          Kind            `json:"type"`
	ServerID      string          `json:"serverId"`
	Stream        string          `json:"stream"`
	Line          string          `json:"line"`
	State         string          `json:"state"`
	CPU           float64         `json:"cpu"`
	Memory        uint64          `json:"memory"`
	Disk          uint64          `json:"disk"`
	Network       NetworkSample   `json:"network"`
	CorrelationID string          `json:"correlationId"`
	Bytes         []byte          `json:"bytes"`
	Final         bool            `json:"final"`
	Error         string          `json:"error"`
	Text          string          `json:"text"`
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protoErrf("malformed frame: %v", err)
	}
	if env.Type == "" {
		return nil, protoErrf("frame has no type field")
	}
	return &env, nil
}

// DecodeAgentFrame parses a frame received from a node agent. A frame that
// is malformed, missing required fields, or of a kind agents may not send
// yields a *ProtocolError.
func DecodeAgentFrame(data []byte) (AgentFrame, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case KindHeartbeat:
		return Heartbeat{}, nil

	case KindServerLog:
		if env.ServerID == "" {
			return nil, protoErrf("server_log: serverId is required")
		}
		switch env.Stream {
		case StreamStdout, StreamStderr, StreamStdin, StreamSystem:
		default:
			return nil, protoErrf("server_log: unknown stream %q", env.Stream)
		}
		return ServerLog{ServerID: env.ServerID, Stream: env.Stream, Line: env.Line}, nil

	case KindServerState:
		if env.ServerID == "" || env.State == "" {
			return nil, protoErrf("server_state: serverId and state are required")
		}
		return ServerState{ServerID: env.ServerID, State: env.State}, nil

	case KindResourceStats:
		if env.ServerID == "" {
			return nil, protoErrf("resource_stats: serverId is required")
		}
		return ResourceStats{
			ServerID: env.ServerID,
			CPU:      env.CPU,
			Memory:   env.Memory,
			Disk:     env.Disk,
			Network:  env.Network,
		}, nil

	case KindResponse:
		if env.CorrelationID == "" {
			return nil, protoErrf("response: correlationId is required")
		}
		return Response{
			CorrelationID: env.CorrelationID,
			Bytes:         env.Bytes,
			Final:         env.Final,
			Error:         env.Error,
		}, nil

	default:
		return nil, protoErrf("unexpected agent frame type %q", env.Type)
	}
}

// DecodeClientFrame parses a frame received from a dashboard client.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	if env.ServerID == "" {
		return nil, protoErrf("%s: serverId is required", env.Type)
	}

	switch env.Type {
	case KindSubscribe:
		return Subscribe{ServerID: env.ServerID}, nil
	case KindUnsubscribe:
		return Unsubscribe{ServerID: env.ServerID}, nil
	case KindConsole:
		if env.Text == "" {
			return nil, protoErrf("command: text is required")
		}
		return Console{ServerID: env.ServerID, Text: env.Text}, nil
	default:
		return nil, protoErrf("unexpected client frame type %q", env.Type)
	}
}

// EncodeCommand serializes a node-bound command after validating it.
func EncodeCommand(cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

// EncodeEvent serializes a client-bound event (server_log, server_state or
// resource_stats) for fan-out. Other frame kinds are not client-bound.
func EncodeEvent(frame AgentFrame) ([]byte, error) {
	switch f := frame.(type) {
	case ServerLog:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			ServerLog
		}{KindServerLog, f})
	case ServerState:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			ServerState
		}{KindServerState, f})
	case ResourceStats:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			ResourceStats
		}{KindResourceStats, f})
	default:
		return nil, protoErrf("frame kind %q is not client-bound", frame.Kind())
	}
}

// EventServerID returns the server a client-bound event is tagged with.
func EventServerID(frame AgentFrame) string {
	switch f := frame.(type) {
	case ServerLog:
		return f.ServerID
	case ServerState:
		return f.ServerID
	case ResourceStats:
		return f.ServerID
	default:
		return ""
	}
}
