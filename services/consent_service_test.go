package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofconnect/consent-broker/cache"
	"github.com/ofconnect/consent-broker/domain"
	brokererrors "github.com/ofconnect/consent-broker/errors"
	ofcrypto "github.com/ofconnect/consent-broker/internal/crypto"
)

type consentFixture struct {
	service  *ConsentService
	store    *cache.MemoryConsentStore
	parCalls *atomic.Int64
	server   *httptest.Server
}

func newConsentFixture(t *testing.T, parHandler http.HandlerFunc) *consentFixture {
	t.Helper()

	key, err := ofcrypto.GenerateRSAKey()
	require.NoError(t, err)

	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/par", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		parHandler(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cipher, err := NewPIICipher(&key.PublicKey, "enc-1")
	require.NoError(t, err)

	provider := ProviderSettings{
		ParEndpoint:   server.URL + "/par",
		AuthEndpoint:  "https://as.example/authorize",
		TokenEndpoint: "https://as.example/token",
		ClientID:      "client-1",
		RedirectURI:   "https://broker.example/callback",
		Creditor: CreditorDetails{
			SchemeName:     "IBAN",
			Identification: "AE070331234567890123456",
			Name:           "Test Merchant",
		},
	}

	store := cache.NewMemoryConsentStore()
	service := NewConsentService(
		provider,
		NewRequestSigner("sig-1", key),
		NewClientAuthenticator("client-1", provider.TokenEndpoint, "sig-1", key),
		cipher,
		store,
		server.Client(),
	)

	return &consentFixture{service: service, store: store, parCalls: &calls, server: server}
}

func acceptPAR(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"request_uri": "urn:ietf:params:oauth:request_uri:abc123",
		"expires_in":  60,
	})
}

func TestCreateDataSharing_Success(t *testing.T) {
	fx := newConsentFixture(t, acceptPAR)

	initiation, err := fx.service.CreateDataSharing(context.Background(), DataSharingRequest{
		DataPermissions: []string{"ReadAccountsBasic", "ReadBalances"},
		ValidFrom:       "2026-01-01T00:00:00Z",
		ValidUntil:      "2026-06-01T00:00:00Z",
		BankLabel:       "Sandbox Bank",
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(initiation.CodeVerifier), 64)
	assert.Contains(t, initiation.Redirect, "https://as.example/authorize?client_id=client-1")
	assert.Contains(t, initiation.Redirect, "response_type=code")
	assert.Contains(t, initiation.Redirect, "scope=openid")
	assert.Contains(t, initiation.Redirect, "request_uri=urn%3Aietf%3Aparams%3Aoauth%3Arequest_uri%3Aabc123")

	record, err := fx.store.GetConsent(context.Background(), initiation.ConsentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRedirectReady, record.Status)
	assert.Equal(t, domain.ConsentTypeDataSharing, record.ConsentType)
	assert.Equal(t, initiation.CodeVerifier, record.CodeVerifier)
	assert.Equal(t, "Sandbox Bank", record.BankLabel)

	// The state value bounced through the browser must recover the consent.
	payload, err := DecodeState(record.StatePayload)
	require.NoError(t, err)
	assert.Equal(t, initiation.ConsentID, payload.ConsentID)
	assert.Equal(t, initiation.CodeVerifier, payload.CodeVerifier)
}

func TestCreateDataSharing_InvalidWindowFailsBeforeNetwork(t *testing.T) {
	fx := newConsentFixture(t, acceptPAR)

	_, err := fx.service.CreateDataSharing(context.Background(), DataSharingRequest{
		DataPermissions: []string{"ReadAccountsBasic", "ReadBalances"},
		ValidFrom:       "2026-06-01T00:00:00Z",
		ValidUntil:      "2026-01-01T00:00:00Z",
	})

	var validation *brokererrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, int64(0), fx.parCalls.Load(), "validation errors must not reach the network")
}

func TestCreateDataSharing_EmptyPermissions(t *testing.T) {
	fx := newConsentFixture(t, acceptPAR)

	_, err := fx.service.CreateDataSharing(context.Background(), DataSharingRequest{})

	var validation *brokererrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, int64(0), fx.parCalls.Load())
}

func TestCreateSinglePayment_AmountValidation(t *testing.T) {
	fx := newConsentFixture(t, acceptPAR)

	for _, amount := range []string{"100", "100.0", "100.005", "-5.00", "0.00"} {
		_, err := fx.service.CreateSinglePayment(context.Background(), SinglePaymentRequest{PaymentAmount: amount})
		var validation *brokererrors.ValidationError
		assert.ErrorAs(t, err, &validation, amount)
	}
	assert.Equal(t, int64(0), fx.parCalls.Load())

	initiation, err := fx.service.CreateSinglePayment(context.Background(), SinglePaymentRequest{PaymentAmount: "100.00"})
	require.NoError(t, err)
	assert.NotEmpty(t, initiation.Redirect)
	assert.Equal(t, int64(1), fx.parCalls.Load())
}

func TestCreateSinglePayment_RequestCarriesSignedObjectAndAssertion(t *testing.T) {
	var form map[string][]string
	fx := newConsentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		acceptPAR(w, r)
	})

	_, err := fx.service.CreateSinglePayment(context.Background(), SinglePaymentRequest{PaymentAmount: "25.00"})
	require.NoError(t, err)

	require.NotNil(t, form)
	assert.Equal(t, "client-1", form["client_id"][0])
	assert.Equal(t, clientAssertionType, form["client_assertion_type"][0])
	assert.NotEmpty(t, form["client_assertion"][0])

	// The request object carries the payment consent with encrypted PII.
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err = parser.ParseUnverified(form["request"][0], claims)
	require.NoError(t, err)

	assert.Equal(t, "payments openid", claims["scope"])
	assert.Equal(t, "S256", claims["code_challenge_method"])

	details := claims["authorization_details"].([]any)
	require.Len(t, details, 1)
	consent := details[0].(map[string]any)["consent"].(map[string]any)
	pii := consent["PersonalIdentifiableInformation"].(string)
	assert.NotContains(t, pii, "Test Merchant", "PII must never leave in clear text")
	assert.NotEmpty(t, pii)
}

func TestCreateVariableOnDemand_ScopeAndPermissions(t *testing.T) {
	var form map[string][]string
	fx := newConsentFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		acceptPAR(w, r)
	})

	initiation, err := fx.service.CreateVariableOnDemand(context.Background(), VariableOnDemandRequest{MaxPaymentAmount: "50.00"})
	require.NoError(t, err)

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err = parser.ParseUnverified(form["request"][0], claims)
	require.NoError(t, err)
	assert.Equal(t, "payments accounts openid", claims["scope"])

	details := claims["authorization_details"].([]any)
	consent := details[0].(map[string]any)["consent"].(map[string]any)
	perms := consent["Permissions"].([]any)
	assert.ElementsMatch(t, []any{"ReadAccountsBasic", "ReadBalances"}, perms)

	record, err := fx.store.GetConsent(context.Background(), initiation.ConsentID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentTypeVariableOnDemand, record.ConsentType)
}

func TestCreateConsent_UpstreamErrorPassthrough(t *testing.T) {
	fx := newConsentFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request","error_description":"bad request object"}`))
	})

	_, err := fx.service.CreateSinglePayment(context.Background(), SinglePaymentRequest{PaymentAmount: "10.00"})

	var upstream *brokererrors.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
	assert.JSONEq(t, `{"error":"invalid_request","error_description":"bad request object"}`, upstream.Body)
}

func TestCreateConsent_ServerErrorWritesNoRecord(t *testing.T) {
	fx := newConsentFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream sandbox down"))
	})

	_, err := fx.service.CreateSinglePayment(context.Background(), SinglePaymentRequest{PaymentAmount: "10.00"})

	var upstream *brokererrors.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)

	assert.Zero(t, fx.store.Len(), "no ConsentRecord may be written on upstream failure")
}
