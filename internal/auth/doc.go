// ABOUTME: Package documentation for the auth package.
// ABOUTME: Describes the two identities the gateway admits.

// Package auth verifies the two peer identities the gateway accepts: node
// agents presenting a per-node shared secret, and dashboard clients
// presenting an HS256 JWT session token.
//
// A failed handshake is terminal for that socket; the peer reconnects with
// better credentials or not at all.
package auth
