// ABOUTME: Tests for session token and node secret verification.
// ABOUTME: Covers expiry, tampering, and unknown-node handling.

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestJWTExpired(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTWrongSecret(t *testing.T) {
	signer, err := NewJWTVerifier([]byte("secret-a"))
	require.NoError(t, err)
	verifier, err := NewJWTVerifier([]byte("secret-b"))
	require.NoError(t, err)

	token, err := signer.Generate("user-1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTGarbage(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)

	_, err = v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTEmptySecretRejected(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

type digestStore map[string]string

func (s digestStore) NodeSecretDigest(_ context.Context, nodeID string) (string, error) {
	digest, ok := s[nodeID]
	if !ok {
		return "", errors.New("no such node")
	}
	return digest, nil
}

func TestNodeSecretVerify(t *testing.T) {
	secret, err := NewNodeSecret()
	require.NoError(t, err)

	store := digestStore{"n1": SecretDigest(secret)}
	a := NewNodeAuthenticator(store)

	assert.NoError(t, a.Verify(context.Background(), "n1", secret))
	assert.ErrorIs(t, a.Verify(context.Background(), "n1", "wrong"), ErrNodeAuthFailed)
	assert.ErrorIs(t, a.Verify(context.Background(), "n2", secret), ErrNodeAuthFailed)
	assert.ErrorIs(t, a.Verify(context.Background(), "", secret), ErrNodeAuthFailed)
	assert.ErrorIs(t, a.Verify(context.Background(), "n1", ""), ErrNodeAuthFailed)
}

func TestNewNodeSecretIsUnique(t *testing.T) {
	a, err := NewNodeSecret()
	require.NoError(t, err)
	b, err := NewNodeSecret()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}
