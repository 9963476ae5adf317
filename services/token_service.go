package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/ofconnect/consent-broker/cache"
	"github.com/ofconnect/consent-broker/domain"
	brokererrors "github.com/ofconnect/consent-broker/errors"
)

// TokenResponse mirrors the provider's token endpoint response. Raw preserves
// the exact upstream payload for passthrough callers.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// defaultExpiresIn is assumed when the provider omits expires_in.
const defaultExpiresIn = 300 * time.Second

// TokenService manages the token lifecycle of authorized consents: code
// exchange, expiry-aware caching, and transparent refresh.
type TokenService struct {
	repo          domain.ConsentRepository
	hot           cache.TokenStore
	auth          *ClientAuthenticator
	tokenEndpoint string
	clientID      string
	redirectURI   string
	httpClient    *http.Client

	// Serializes token acquisition per consent id so concurrent callers
	// do not race the same refresh.
	locks sync.Map
}

// NewTokenService wires the lifecycle manager. The hot store may be nil, in
// which case every fast-path check reads the durable consent record.
func NewTokenService(
	repo domain.ConsentRepository,
	hot cache.TokenStore,
	auth *ClientAuthenticator,
	tokenEndpoint, clientID, redirectURI string,
	httpClient *http.Client,
) *TokenService {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenService{
		repo:          repo,
		hot:           hot,
		auth:          auth,
		tokenEndpoint: tokenEndpoint,
		clientID:      clientID,
		redirectURI:   redirectURI,
		httpClient:    httpClient,
	}
}

func (s *TokenService) lockFor(consentID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(consentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetUsableAccessToken returns an access token valid for at least the safety
// window. Fast path is the cached token; otherwise it refreshes or redeems
// the stored authorization code, persisting the new cache before returning.
func (s *TokenService) GetUsableAccessToken(ctx context.Context, consentID string) (string, error) {
	now := time.Now()

	if s.hot != nil {
		if tc, ok := s.hot.Get(ctx, consentID); ok && tc.Usable(now) {
			return tc.AccessToken, nil
		}
	}

	mu := s.lockFor(consentID)
	mu.Lock()
	defer mu.Unlock()

	record, err := s.repo.GetConsent(ctx, consentID)
	if err != nil {
		return "", err
	}

	if record.AuthCode == "" || record.CodeVerifier == "" {
		return "", &brokererrors.NotAuthorizedError{ConsentID: consentID}
	}

	tc := domain.TokenCacheFromMetadata(record.Metadata)
	if tc.Usable(now) {
		if s.hot != nil {
			s.hot.Set(ctx, consentID, tc)
		}
		return tc.AccessToken, nil
	}

	var resp *TokenResponse
	if tc != nil && tc.RefreshToken != "" {
		resp, err = s.refresh(ctx, tc.RefreshToken)
	} else {
		resp, err = s.ExchangeCode(ctx, record.AuthCode, record.CodeVerifier)
	}
	if err != nil {
		return "", &brokererrors.TokenAcquisitionError{ConsentID: consentID, Err: err}
	}

	fresh := cacheFromResponse(resp, tc)
	s.persistTokenCache(ctx, consentID, fresh)

	return fresh.AccessToken, nil
}

// cacheFromResponse folds a token response into a new cache entry, carrying
// the previous refresh token forward when the provider did not rotate it.
func cacheFromResponse(resp *TokenResponse, prev *domain.TokenCache) *domain.TokenCache {
	now := time.Now().UTC()
	expiresIn := defaultExpiresIn
	if resp.ExpiresIn > 0 {
		expiresIn = time.Duration(resp.ExpiresIn) * time.Second
	}
	tc := &domain.TokenCache{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    now.Add(expiresIn),
		ObtainedAt:   now,
	}
	if tc.RefreshToken == "" && prev != nil {
		tc.RefreshToken = prev.RefreshToken
	}
	return tc
}

// persistTokenCache writes the cache to the hot store and, with retries, to
// the durable record. Losing this write forces a redundant re-authentication
// on the next call, so unlike other consent writes it is retried and the
// final failure surfaced loudly.
func (s *TokenService) persistTokenCache(ctx context.Context, consentID string, tc *domain.TokenCache) {
	if s.hot != nil {
		s.hot.Set(ctx, consentID, tc)
	}

	if !s.repo.Enabled() {
		log.Warn().Str("consent_id", consentID).Msg("consent store disabled, token cache not persisted")
		return
	}

	partial := &domain.ConsentRecord{
		ConsentID: consentID,
		Metadata:  map[string]any{domain.MetadataTokenCacheKey: tc.AsMetadata()},
	}
	op := func() (struct{}, error) {
		return struct{}{}, s.repo.UpsertConsent(ctx, partial)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		log.Error().Err(err).Str("consent_id", consentID).Msg("token cache write failed after retries, next call will re-authenticate")
	}
}

// ExchangeCode redeems an authorization code with its PKCE verifier via the
// authorization_code grant.
func (s *TokenService) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {codeVerifier},
		"redirect_uri":  {s.redirectURI},
	}
	return s.callTokenEndpoint(ctx, form)
}

// refresh rolls the access token via the refresh_token grant.
func (s *TokenService) refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return s.callTokenEndpoint(ctx, form)
}

// callTokenEndpoint performs a token endpoint call authenticated by a freshly
// issued client assertion.
func (s *TokenService) callTokenEndpoint(ctx context.Context, form url.Values) (*TokenResponse, error) {
	assertion, err := s.auth.IssueAssertion()
	if err != nil {
		return nil, err
	}
	form.Set("client_id", s.clientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("token endpoint rejected request")
		return nil, brokererrors.NewUpstream("token", resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}
	tokenResp.Raw = body

	return &tokenResp, nil
}
