package services

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// StatePayload is the context bounced through the end user's browser inside
// the OAuth state parameter. Embedding the code verifier keeps the broker
// stateless between request and callback; the verifier is also stored
// server-side, so an implementation hardening pass could replace this with an
// opaque random token looked up at callback time.
type StatePayload struct {
	ConsentID    string `json:"consent_id"`
	CodeVerifier string `json:"code_verifier"`
}

// EncodeState serializes the payload as base64 JSON.
func EncodeState(p StatePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeState parses a state value produced by EncodeState. It tolerates the
// base64 variants seen from redirect intermediaries (URL-safe alphabet,
// stripped padding) and the camelCase consentId key some sandboxes echo back.
func DecodeState(state string) (*StatePayload, error) {
	// A '+' in the state survives naive query decoding as a space.
	state = strings.ReplaceAll(state, " ", "+")

	raw, err := decodeBase64(state)
	if err != nil {
		return nil, fmt.Errorf("state is not valid base64: %w", err)
	}

	var decoded struct {
		ConsentID      string `json:"consent_id"`
		ConsentIDCamel string `json:"consentId"`
		CodeVerifier   string `json:"code_verifier"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("state is not valid JSON: %w", err)
	}

	consentID := decoded.ConsentID
	if consentID == "" {
		consentID = decoded.ConsentIDCamel
	}
	if consentID == "" {
		return nil, fmt.Errorf("state payload has no consent id")
	}

	return &StatePayload{ConsentID: consentID, CodeVerifier: decoded.CodeVerifier}, nil
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
