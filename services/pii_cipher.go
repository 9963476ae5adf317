package services

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// PaymentPII carries the counterparty and risk-indicator fields of a payment
// consent. These must never be transmitted in clear text; they are encrypted
// into a JWE before being embedded in the signed request object.
type PaymentPII struct {
	Creditor CreditorDetails `json:"Creditor"`
	Risk     RiskInformation `json:"Risk"`
}

// CreditorDetails identifies the payee account for a payment consent.
type CreditorDetails struct {
	SchemeName     string `json:"SchemeName"`
	Identification string `json:"Identification"`
	Name           string `json:"Name"`
}

// RiskInformation carries the provider-mandated risk indicators.
type RiskInformation struct {
	PaymentContextCode string `json:"PaymentContextCode,omitempty"`
	MerchantCategory   string `json:"MerchantCategoryCode,omitempty"`
}

// PIICipher encrypts payment PII under the provider-published RSA public key,
// producing a compact JWE (RSA-OAEP-256 key wrap, A256GCM content encryption)
// the authorization server can decrypt.
type PIICipher struct {
	encrypter jose.Encrypter
}

// NewPIICipher builds a cipher bound to the provider's published public key.
// The kid must match the key the provider advertises for encryption.
func NewPIICipher(pub *rsa.PublicKey, kid string) (*PIICipher, error) {
	opts := (&jose.EncrypterOptions{}).WithType("JWE").WithContentType("JSON")
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: pub, KeyID: kid},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct JWE encrypter: %w", err)
	}
	return &PIICipher{encrypter: enc}, nil
}

// Encrypt serializes the PII object and returns the compact JWE string.
// Any failure here must abort the enclosing consent creation.
func (c *PIICipher) Encrypt(pii *PaymentPII) (string, error) {
	raw, err := json.Marshal(pii)
	if err != nil {
		return "", fmt.Errorf("failed to marshal PII payload: %w", err)
	}
	jwe, err := c.encrypter.Encrypt(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt PII payload: %w", err)
	}
	compact, err := jwe.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize PII ciphertext: %w", err)
	}
	return compact, nil
}
