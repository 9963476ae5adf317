package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ofcrypto "github.com/ofconnect/consent-broker/internal/crypto"
)

func TestIssueAssertion(t *testing.T) {
	key, err := ofcrypto.GenerateRSAKey()
	require.NoError(t, err)

	auth := NewClientAuthenticator("client-1", "https://as.example/token", "sig-key-1", key)

	signed, err := auth.IssueAssertion()
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)

	assert.Equal(t, "sig-key-1", token.Header["kid"])

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "client-1", claims["iss"])
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "https://as.example/token", claims["aud"])
	assert.NotEmpty(t, claims["jti"])

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	assert.Equal(t, int64(60), exp-iat, "assertion lifetime is 60 seconds")
	assert.WithinDuration(t, time.Now(), time.Unix(iat, 0), 5*time.Second)
}

func TestIssueAssertion_FreshPerCall(t *testing.T) {
	key, err := ofcrypto.GenerateRSAKey()
	require.NoError(t, err)

	auth := NewClientAuthenticator("client-1", "https://as.example/token", "k", key)

	first, err := auth.IssueAssertion()
	require.NoError(t, err)
	second, err := auth.IssueAssertion()
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "assertions are single-use, never reused")
}
