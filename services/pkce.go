package services

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
)

// GeneratePKCE produces a fresh PKCE verifier/challenge pair for one consent
// attempt. The verifier is two concatenated random UUIDs (72 unreserved
// characters); the challenge is the S256 transform of the verifier.
func GeneratePKCE() (verifier, challenge string) {
	verifier = uuid.NewString() + uuid.NewString()
	return verifier, ChallengeFromVerifier(verifier)
}

// ChallengeFromVerifier computes base64url(SHA-256(verifier)) without padding,
// the code_challenge_method=S256 transform.
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
