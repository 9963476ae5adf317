package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ofconnect/consent-broker/domain"
	brokererrors "github.com/ofconnect/consent-broker/errors"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	serviceInitiationConsentType = "urn:openfinanceuae:service-initiation-consent:v1.0"
	accountAccessConsentType     = "urn:openfinanceuae:account-access-consent:v1.0"

	requestMaxAge = 3600
)

// vodPermissions are the only account permissions a variable-on-demand
// payment consent may carry: balance and account reads needed to service it.
var vodPermissions = []string{"ReadAccountsBasic", "ReadBalances"}

// ProviderSettings holds the registered-client and endpoint configuration for
// one Open Finance provider.
type ProviderSettings struct {
	ParEndpoint   string
	AuthEndpoint  string
	TokenEndpoint string
	ClientID      string
	RedirectURI   string
	Currency      string
	Creditor      CreditorDetails
}

// ConsentInitiation is returned to the caller after a successful PAR
// submission: the URL the end user must visit plus the material needed to
// redeem the resulting authorization code.
type ConsentInitiation struct {
	Redirect     string `json:"redirect"`
	ConsentID    string `json:"consent_id"`
	CodeVerifier string `json:"code_verifier"`
}

// SinglePaymentRequest initiates a one-off fixed-amount payment consent.
type SinglePaymentRequest struct {
	PaymentAmount string `json:"payment_amount"`
	BankLabel     string `json:"bank_label,omitempty"`
}

// VariableOnDemandRequest initiates a recurring on-demand payment consent
// capped at a maximum per-transaction amount.
type VariableOnDemandRequest struct {
	MaxPaymentAmount string `json:"max_payment_amount"`
	BankLabel        string `json:"bank_label,omitempty"`
}

// DataSharingRequest initiates an account-information sharing consent.
type DataSharingRequest struct {
	DataPermissions []string `json:"data_permissions"`
	ValidFrom       string   `json:"valid_from,omitempty"`
	ValidUntil      string   `json:"valid_until,omitempty"`
	BankLabel       string   `json:"bank_label,omitempty"`
}

// ConsentService orchestrates PKCE generation, PII encryption, request
// signing, client authentication and PAR submission for each consent type,
// then persists the resulting ConsentRecord.
type ConsentService struct {
	provider   ProviderSettings
	signer     *RequestSigner
	auth       *ClientAuthenticator
	cipher     *PIICipher
	repo       domain.ConsentRepository
	httpClient *http.Client
}

// NewConsentService wires the submitter. The cipher is required: payment
// consents cannot be built without PII encryption.
func NewConsentService(
	provider ProviderSettings,
	signer *RequestSigner,
	auth *ClientAuthenticator,
	cipher *PIICipher,
	repo domain.ConsentRepository,
	httpClient *http.Client,
) *ConsentService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if provider.Currency == "" {
		provider.Currency = "AED"
	}
	return &ConsentService{
		provider:   provider,
		signer:     signer,
		auth:       auth,
		cipher:     cipher,
		repo:       repo,
		httpClient: httpClient,
	}
}

// CreateSinglePayment validates and submits a single fixed-amount payment
// consent. Scope: "payments openid".
func (s *ConsentService) CreateSinglePayment(ctx context.Context, req SinglePaymentRequest) (*ConsentInitiation, error) {
	if err := domain.ValidateAmount(req.PaymentAmount); err != nil {
		return nil, brokererrors.NewValidation("payment_amount", err.Error())
	}

	consentID := uuid.NewString()
	pii, err := s.encryptPaymentPII()
	if err != nil {
		return nil, err
	}

	consent := map[string]any{
		"ConsentId":             consentID,
		"IsSingleAuthorization": true,
		"PaymentSchedule": map[string]any{
			"Type": "SinglePayment",
			"Amount": map[string]any{
				"Amount":   req.PaymentAmount,
				"Currency": s.provider.Currency,
			},
		},
		"PersonalIdentifiableInformation": pii,
	}
	details := []map[string]any{{
		"type":    serviceInitiationConsentType,
		"consent": consent,
	}}

	return s.submit(ctx, consentID, domain.ConsentTypeSinglePayment, req.BankLabel, "payments openid", details)
}

// CreateVariableOnDemand validates and submits an on-demand variable payment
// consent. Scope: "payments accounts openid".
func (s *ConsentService) CreateVariableOnDemand(ctx context.Context, req VariableOnDemandRequest) (*ConsentInitiation, error) {
	if err := domain.ValidateAmount(req.MaxPaymentAmount); err != nil {
		return nil, brokererrors.NewValidation("max_payment_amount", err.Error())
	}

	consentID := uuid.NewString()
	pii, err := s.encryptPaymentPII()
	if err != nil {
		return nil, err
	}

	consent := map[string]any{
		"ConsentId": consentID,
		"ControlParameters": map[string]any{
			"VRPType":                   []string{"urn:openfinanceuae:vrptype:ondemand"},
			"IsDelegatedAuthentication": false,
			"MaximumIndividualAmount": map[string]any{
				"Amount":   req.MaxPaymentAmount,
				"Currency": s.provider.Currency,
			},
		},
		"Permissions":                     vodPermissions,
		"PersonalIdentifiableInformation": pii,
	}
	details := []map[string]any{{
		"type":    serviceInitiationConsentType,
		"consent": consent,
	}}

	return s.submit(ctx, consentID, domain.ConsentTypeVariableOnDemand, req.BankLabel, "payments accounts openid", details)
}

// CreateDataSharing validates and submits an account-information consent.
// Scope: "accounts openid".
func (s *ConsentService) CreateDataSharing(ctx context.Context, req DataSharingRequest) (*ConsentInitiation, error) {
	if err := domain.ValidatePermissions(req.DataPermissions); err != nil {
		return nil, brokererrors.NewValidation("data_permissions", err.Error())
	}
	if err := domain.ValidateConsentWindow(req.ValidFrom, req.ValidUntil); err != nil {
		return nil, brokererrors.NewValidation("valid_from/valid_until", err.Error())
	}

	consentID := uuid.NewString()
	consent := map[string]any{
		"ConsentId":   consentID,
		"Permissions": req.DataPermissions,
	}
	if req.ValidFrom != "" {
		consent["ValidFromDateTime"] = req.ValidFrom
	}
	if req.ValidUntil != "" {
		consent["ValidToDateTime"] = req.ValidUntil
	}
	details := []map[string]any{{
		"type":    accountAccessConsentType,
		"consent": consent,
	}}

	return s.submit(ctx, consentID, domain.ConsentTypeDataSharing, req.BankLabel, "accounts openid", details)
}

// encryptPaymentPII encrypts the configured creditor and risk indicators.
// Failure is fatal: no partial PII may ever go out in clear text.
func (s *ConsentService) encryptPaymentPII() (string, error) {
	if s.cipher == nil {
		return "", fmt.Errorf("PII cipher is not configured, cannot build payment consent")
	}
	pii := &PaymentPII{
		Creditor: s.provider.Creditor,
		Risk:     RiskInformation{PaymentContextCode: "EcommerceGoods"},
	}
	ciphertext, err := s.cipher.Encrypt(pii)
	if err != nil {
		return "", fmt.Errorf("aborting consent creation: %w", err)
	}
	return ciphertext, nil
}

// submit runs the shared tail of every consent creation: PKCE, state, request
// signing, client assertion, PAR POST, redirect derivation, persistence.
func (s *ConsentService) submit(
	ctx context.Context,
	consentID string,
	consentType domain.ConsentType,
	bankLabel string,
	scope string,
	authorizationDetails []map[string]any,
) (*ConsentInitiation, error) {
	verifier, challenge := GeneratePKCE()

	state, err := EncodeState(StatePayload{ConsentID: consentID, CodeVerifier: verifier})
	if err != nil {
		return nil, err
	}

	params := jwt.MapClaims{
		"scope":                 scope,
		"redirect_uri":          s.provider.RedirectURI,
		"client_id":             s.provider.ClientID,
		"nonce":                 uuid.NewString(),
		"state":                 state,
		"response_type":         "code",
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
		"max_age":               requestMaxAge,
		"authorization_details": authorizationDetails,
	}

	signedRequest, err := s.signer.Sign(params)
	if err != nil {
		return nil, err
	}
	assertion, err := s.auth.IssueAssertion()
	if err != nil {
		return nil, err
	}

	requestURI, err := s.pushAuthorizationRequest(ctx, signedRequest, assertion)
	if err != nil {
		return nil, err
	}

	redirect := fmt.Sprintf("%s?client_id=%s&response_type=code&scope=openid&request_uri=%s",
		s.provider.AuthEndpoint,
		url.QueryEscape(s.provider.ClientID),
		url.QueryEscape(requestURI),
	)

	record := &domain.ConsentRecord{
		ConsentID:    consentID,
		ConsentType:  consentType,
		BankLabel:    bankLabel,
		RedirectURL:  redirect,
		CodeVerifier: verifier,
		Status:       domain.StatusRedirectReady,
		StatePayload: state,
	}
	if s.repo.Enabled() {
		if err := s.repo.UpsertConsent(ctx, record); err != nil {
			// Soft failure: the caller still gets a working redirect.
			log.Warn().Err(err).Str("consent_id", consentID).Msg("consent record write failed, continuing without persistence")
		}
	} else {
		log.Warn().Str("consent_id", consentID).Msg("consent store disabled, record not persisted")
	}

	return &ConsentInitiation{
		Redirect:     redirect,
		ConsentID:    consentID,
		CodeVerifier: verifier,
	}, nil
}

// pushAuthorizationRequest POSTs the signed request and client assertion to
// the PAR endpoint and returns the request_uri to reference from the browser
// redirect. Upstream errors are passed through verbatim.
func (s *ConsentService) pushAuthorizationRequest(ctx context.Context, signedRequest, assertion string) (string, error) {
	form := url.Values{
		"client_id":             {s.provider.ClientID},
		"request":               {signedRequest},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.ParEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build PAR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("PAR request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read PAR response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("PAR endpoint rejected request")
		return "", brokererrors.NewUpstream("par", resp.StatusCode, body)
	}

	var parResp struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parResp); err != nil {
		return "", fmt.Errorf("failed to decode PAR response: %w", err)
	}
	if parResp.RequestURI == "" {
		return "", fmt.Errorf("PAR response is missing request_uri")
	}

	log.Debug().Str("request_uri", parResp.RequestURI).Int("expires_in", parResp.ExpiresIn).Msg("PAR accepted")
	return parResp.RequestURI, nil
}
