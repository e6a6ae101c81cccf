// ABOUTME: Per-node shared secret verification for agent handshakes.
// ABOUTME: Secrets are stored as SHA-256 digests and compared in constant time.

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNodeAuthFailed is returned for any failed agent handshake. The cause
// (unknown node, wrong secret) is deliberately not distinguished.
var ErrNodeAuthFailed = errors.New("node authentication failed")

// NodeCredentialStore resolves the stored secret digest for a node.
type NodeCredentialStore interface {
	NodeSecretDigest(ctx context.Context, nodeID string) (string, error)
}

// NodeAuthenticator verifies per-node shared secrets against the store.
type NodeAuthenticator struct {
	store NodeCredentialStore
}

// NewNodeAuthenticator creates a NodeAuthenticator backed by the store.
func NewNodeAuthenticator(store NodeCredentialStore) *NodeAuthenticator {
	return &NodeAuthenticator{store: store}
}

// Verify checks the presented secret for the node. Any failure, including
// an unknown node id, yields ErrNodeAuthFailed.
func (a *NodeAuthenticator) Verify(ctx context.Context, nodeID, secret string) error {
	if nodeID == "" || secret == "" {
		return ErrNodeAuthFailed
	}

	stored, err := a.store.NodeSecretDigest(ctx, nodeID)
	if err != nil || stored == "" {
		return ErrNodeAuthFailed
	}

	if !hmac.Equal([]byte(SecretDigest(secret)), []byte(stored)) {
		return ErrNodeAuthFailed
	}
	return nil
}

// SecretDigest returns the hex SHA-256 digest under which a node secret is
// stored.
func SecretDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NewNodeSecret generates a fresh random node secret for enrollment.
func NewNodeSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating node secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
