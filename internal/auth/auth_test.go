package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(Config{Enabled: true, Username: "viewer", Password: "hunter2", JWTSecret: "s3cret"})
	require.NoError(t, err)
	assert.True(t, a.IsEnabled())

	_, _, err = a.Authenticate("viewer", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("admin", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, expiresAt, err := a.Authenticate("viewer", "hunter2")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), expiresAt, time.Minute)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "viewer", claims.Username)

	_, err = a.ValidateToken(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrehashedPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)

	a, err := NewAuthenticator(Config{Enabled: true, Password: hash})
	require.NoError(t, err)
	_, _, err = a.Authenticate("admin", "pw")
	require.NoError(t, err)
}

func TestDisabled(t *testing.T) {
	a, err := NewAuthenticator(Config{})
	require.NoError(t, err)
	_, _, err = a.Authenticate("admin", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)

	_, err = NewAuthenticator(Config{Enabled: true})
	assert.Error(t, err)
}

func TestExpiredAndForeignTokens(t *testing.T) {
	m := NewJWTManager("one", time.Millisecond)
	token, _, err := m.GenerateToken("admin")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewJWTManager("two", time.Hour)
	token, _, err = other.GenerateToken("admin")
	require.NoError(t, err)
	_, err = NewJWTManager("one", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, 24*time.Hour, NewJWTManager("", 0).Expiry())
}
