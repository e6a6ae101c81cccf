// ABOUTME: Package documentation for the agent package.
// ABOUTME: Describes the connection registry, dispatcher, and liveness model.

// Package agent manages connections to node agents: the remote processes
// supervising game-server containers on each host.
//
// # Manager
//
// The Manager owns the authoritative map of live agent connections, one per
// node id:
//
//	mgr := agent.NewManager(agent.Options{Sink: store, Logger: logger})
//
// Key operations:
//
//   - Register(conn): install a connection, superseding any previous one
//     for the same node id
//   - Remove(conn): drop a connection on socket close (identity-checked,
//     so a stale close never evicts a successor)
//   - SendCommand(nodeID, cmd): fire-and-forget dispatch, false when no
//     live agent exists
//   - RequestWithResponse(ctx, nodeID, cmd, opts): correlated dispatch
//     with a deadline and a bounded response buffer
//
// # Supersession
//
// A reconnect is a brand-new connection that replaces the old one in a
// single critical section. The superseded connection is closed and every
// request pending on it is rejected with ErrNodeDisconnected; it can never
// complete a request or accept a command again.
//
// # Request/response correlation
//
// RequestWithResponse generates a correlation id, installs a pending entry
// in the owning connection's table, and sends the command annotated with
// that id. Response chunks sharing the id are accumulated in arrival order;
// the buffer ceiling is enforced per chunk. The entry is removed exactly
// once: by the final response, by deadline, by context cancellation, or by
// connection close.
//
// # Liveness
//
// Every inbound frame refreshes the connection's last-seen timestamp. A
// node is stale when that timestamp is older than the configured threshold,
// independent of the online flag, which lets health checks distinguish
// "socket open but silent" from genuinely disconnected. Socket close flips
// the node offline immediately.
package agent
