package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	ts := NewTokenService("secret")

	token, err := ts.GenerateAccessToken("user-42", time.Hour)
	require.NoError(t, err)

	userID, err := ts.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestExpiredTokenRejected(t *testing.T) {
	ts := NewTokenService("secret")

	token, err := ts.GenerateAccessToken("user-42", -time.Minute)
	require.NoError(t, err)

	_, err = ts.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := NewTokenService("secret-a").GenerateAccessToken("user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenService("secret-b").ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestSubjectFallbackForExternalTokens(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "external-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	userID, err := NewTokenService("secret").ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "external-user", userID)
}

func TestTokenWithoutIdentityRejected(t *testing.T) {
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewTokenService("secret").ValidateAccessToken(token)
	assert.Error(t, err)
}
