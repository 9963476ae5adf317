package services

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionLifetime keeps client assertions short-lived; each outbound call
// gets a fresh one, they are never cached.
const assertionLifetime = 60 * time.Second

// ClientAuthenticator issues signed client-assertion JWTs proving the
// broker's identity to the authorization server's PAR and token endpoints.
type ClientAuthenticator struct {
	clientID      string
	tokenEndpoint string
	kid           string
	signingKey    *rsa.PrivateKey
}

// NewClientAuthenticator builds an authenticator for the registered client.
func NewClientAuthenticator(clientID, tokenEndpoint, kid string, signingKey *rsa.PrivateKey) *ClientAuthenticator {
	return &ClientAuthenticator{
		clientID:      clientID,
		tokenEndpoint: tokenEndpoint,
		kid:           kid,
		signingKey:    signingKey,
	}
}

// IssueAssertion signs a fresh single-use client assertion: iss and sub are
// the client id, aud is the token endpoint, jti is unique per assertion.
func (a *ClientAuthenticator) IssueAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.clientID,
		"sub": a.clientID,
		"aud": a.tokenEndpoint,
		"jti": uuid.NewString(),
		"iat": jwt.NewNumericDate(now).Unix(),
		"exp": jwt.NewNumericDate(now.Add(assertionLifetime)).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = a.kid

	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}
