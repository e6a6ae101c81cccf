// ABOUTME: Package documentation for the protocol package.
// ABOUTME: Describes the frame catalog and codec boundary rules.

// Package protocol defines the closed set of frames exchanged over the
// gateway's WebSocket endpoint and the codec that validates them.
//
// Every frame is a JSON object with a "type" discriminator. Agents send
// heartbeat, server_log, server_state, resource_stats and response frames;
// dashboard clients send subscribe, unsubscribe and command frames; the
// gateway sends node-bound Command frames and re-encoded events.
//
// Validation happens here, at the boundary: a malformed or unrecognized
// frame yields a *ProtocolError and is dropped by the caller without
// closing the connection. Code downstream of the codec only ever sees
// well-formed typed messages.
package protocol
