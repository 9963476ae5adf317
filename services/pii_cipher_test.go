package services

import (
	"encoding/json"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ofcrypto "github.com/ofconnect/consent-broker/internal/crypto"
)

func TestPIICipher_EncryptProducesDecryptableJWE(t *testing.T) {
	key, err := ofcrypto.GenerateRSAKey()
	require.NoError(t, err)

	cipher, err := NewPIICipher(&key.PublicKey, "enc-key-1")
	require.NoError(t, err)

	pii := &PaymentPII{
		Creditor: CreditorDetails{
			SchemeName:     "IBAN",
			Identification: "AE070331234567890123456",
			Name:           "Test Merchant",
		},
		Risk: RiskInformation{PaymentContextCode: "EcommerceGoods"},
	}

	ciphertext, err := cipher.Encrypt(pii)
	require.NoError(t, err)

	// Compact JWE: five dot-separated segments, nothing readable.
	assert.Len(t, strings.Split(ciphertext, "."), 5)
	assert.NotContains(t, ciphertext, "Test Merchant")
	assert.NotContains(t, ciphertext, "AE070331234567890123456")

	jwe, err := jose.ParseEncrypted(ciphertext,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	require.NoError(t, err)

	plaintext, err := jwe.Decrypt(key)
	require.NoError(t, err)

	var decrypted PaymentPII
	require.NoError(t, json.Unmarshal(plaintext, &decrypted))
	assert.Equal(t, *pii, decrypted)
}

func TestPIICipher_KidInHeader(t *testing.T) {
	key, err := ofcrypto.GenerateRSAKey()
	require.NoError(t, err)

	cipher, err := NewPIICipher(&key.PublicKey, "enc-key-9")
	require.NoError(t, err)

	ciphertext, err := cipher.Encrypt(&PaymentPII{})
	require.NoError(t, err)

	jwe, err := jose.ParseEncrypted(ciphertext,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	require.NoError(t, err)
	assert.Equal(t, "enc-key-9", jwe.Header.KeyID)
}
