package operatorauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTValidator_IssueThenValidateRoundTrips(t *testing.T) {
	v, err := NewJWTValidator([]byte("test-secret"), "c2server")
	require.NoError(t, err)

	token, err := v.Issue("operator@example.com", []string{"agents:write"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "operator@example.com", id.Subject)
	assert.Equal(t, []string{"agents:write"}, id.Scopes)
}

func TestJWTValidator_RejectsExpiredToken(t *testing.T) {
	v, err := NewJWTValidator([]byte("test-secret"), "c2server")
	require.NoError(t, err)

	token, err := v.Issue("operator@example.com", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestJWTValidator_RejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer, err := NewJWTValidator([]byte("secret-a"), "c2server")
	require.NoError(t, err)
	token, err := issuer.Issue("operator@example.com", nil, time.Minute)
	require.NoError(t, err)

	verifier, err := NewJWTValidator([]byte("secret-b"), "c2server")
	require.NoError(t, err)

	_, err = verifier.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewJWTValidator_RejectsEmptySecret(t *testing.T) {
	_, err := NewJWTValidator(nil, "c2server")
	assert.Error(t, err)
}
