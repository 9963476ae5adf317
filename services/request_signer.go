package services

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// RequestSigner assembles authorization parameters into a signed request
// object. The kid header must match the key the broker has published for
// signature verification.
type RequestSigner struct {
	kid        string
	signingKey *rsa.PrivateKey
}

// NewRequestSigner builds a signer around the broker's private signing key.
func NewRequestSigner(kid string, signingKey *rsa.PrivateKey) *RequestSigner {
	return &RequestSigner{kid: kid, signingKey: signingKey}
}

// Sign returns an RS256 JWT whose claims are exactly the given authorization
// parameters.
func (s *RequestSigner) Sign(params jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, params)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign request object: %w", err)
	}
	return signed, nil
}
