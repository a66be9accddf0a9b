package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewIssuer([]byte("super-secret"), time.Hour)
	require.NoError(t, err)

	tok, err := issuer.Issue("alice", "user", time.Now())
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "user", claims.Role)
}

func TestVerifyExpired(t *testing.T) {
	issuer, err := NewIssuer([]byte("super-secret"), time.Minute)
	require.NoError(t, err)

	tok, err := issuer.Issue("alice", "user", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = issuer.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer, err := NewIssuer([]byte("secret-a"), time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer([]byte("secret-b"), time.Hour)
	require.NoError(t, err)

	tok, err := issuer.Issue("alice", "user", time.Now())
	require.NoError(t, err)

	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	issuer, err := NewIssuer([]byte("super-secret"), time.Hour)
	require.NoError(t, err)

	_, err = issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewIssuer(nil, time.Hour)
	assert.Error(t, err)
}
