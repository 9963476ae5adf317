package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/ofconnect/consent-broker/cache"
	"github.com/ofconnect/consent-broker/domain"
	brokererrors "github.com/ofconnect/consent-broker/errors"
	"github.com/ofconnect/consent-broker/internal/openfinance"
	"github.com/ofconnect/consent-broker/services"
)

// ConsentAPI holds the handler dependencies.
type ConsentAPI struct {
	consents  *services.ConsentService
	callbacks *services.CallbackService
	tokens    *services.TokenService
	repo      domain.ConsentRepository
	ring      *cache.CodeRing
	data      *openfinance.Client
}

// NewConsentAPI initializes the consent API surface.
func NewConsentAPI(
	consents *services.ConsentService,
	callbacks *services.CallbackService,
	tokens *services.TokenService,
	repo domain.ConsentRepository,
	ring *cache.CodeRing,
	data *openfinance.Client,
) *ConsentAPI {
	return &ConsentAPI{
		consents:  consents,
		callbacks: callbacks,
		tokens:    tokens,
		repo:      repo,
		ring:      ring,
		data:      data,
	}
}

// RegisterRoutes registers the broker's routes.
func (a *ConsentAPI) RegisterRoutes(e *echo.Echo) {
	e.POST("/consents/single-payment", a.CreateSinglePaymentHandler)
	e.POST("/consents/variable-on-demand", a.CreateVariableOnDemandHandler)
	e.POST("/consents/data-sharing", a.CreateDataSharingHandler)
	e.GET("/consents/latest/authorized", a.LatestAuthorizedHandler)
	e.GET("/consents/:consentId", a.GetConsentHandler)
	e.GET("/callback", a.CallbackHandler)
	e.POST("/tokens/exchange", a.ExchangeHandler)
	e.GET("/debug/recent-codes", a.RecentCodesHandler)
	e.GET("/accounts", a.AccountsHandler)
	e.GET("/accounts/balances", a.BalancesHandler)
}

// writeError maps the error taxonomy onto HTTP responses. Upstream errors
// keep their original status code and body.
func writeError(c echo.Context, err error) error {
	var validation *brokererrors.ValidationError
	if errors.As(err, &validation) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": validation.Error()})
	}

	var upstream *brokererrors.UpstreamError
	if errors.As(err, &upstream) {
		return c.Blob(upstream.StatusCode, echo.MIMEApplicationJSON, []byte(upstream.Body))
	}

	var reconciliation *brokererrors.ReconciliationError
	if errors.As(err, &reconciliation) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": reconciliation.Error()})
	}

	var notAuthorized *brokererrors.NotAuthorizedError
	if errors.As(err, &notAuthorized) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": notAuthorized.Error()})
	}

	if errors.Is(err, domain.ErrConsentNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "consent not found"})
	}

	var acquisition *brokererrors.TokenAcquisitionError
	if errors.As(err, &acquisition) {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": acquisition.Error()})
	}

	log.Error().Err(err).Msg("unhandled API error")
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// CreateSinglePaymentHandler creates a single fixed-amount payment consent.
func (a *ConsentAPI) CreateSinglePaymentHandler(c echo.Context) error {
	var req services.SinglePaymentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	initiation, err := a.consents.CreateSinglePayment(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, initiation)
}

// CreateVariableOnDemandHandler creates a variable on-demand payment consent.
func (a *ConsentAPI) CreateVariableOnDemandHandler(c echo.Context) error {
	var req services.VariableOnDemandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	initiation, err := a.consents.CreateVariableOnDemand(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, initiation)
}

// CreateDataSharingHandler creates a data-sharing consent.
func (a *ConsentAPI) CreateDataSharingHandler(c echo.Context) error {
	var req services.DataSharingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	initiation, err := a.consents.CreateDataSharing(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, initiation)
}

// CallbackHandler receives the authorization server redirect and reconciles
// it against the originating consent.
func (a *ConsentAPI) CallbackHandler(c echo.Context) error {
	query := c.QueryParams()
	if query.Get("code") == "" && query.Get("state") == "" && query.Get("error") == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "callback carries none of code, state or error"})
	}

	result, err := a.callbacks.Reconcile(c.Request().Context(), query)
	if err != nil {
		return writeError(c, err)
	}

	page := fmt.Sprintf(
		"<!DOCTYPE html><html><body><h1>Authorization received</h1><p>Consent %s recorded. You can close this window.</p></body></html>",
		result.ConsentID,
	)
	return c.HTML(http.StatusOK, page)
}

// ExchangeHandler redeems an authorization code directly, passing the
// provider's token response through unchanged.
func (a *ConsentAPI) ExchangeHandler(c echo.Context) error {
	var req struct {
		Code         string `json:"code"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Code == "" || req.CodeVerifier == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "code and code_verifier are required"})
	}

	resp, err := a.tokens.ExchangeCode(c.Request().Context(), req.Code, req.CodeVerifier)
	if err != nil {
		return writeError(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, resp.Raw)
}

// GetConsentHandler returns the persisted snapshot of one consent.
func (a *ConsentAPI) GetConsentHandler(c echo.Context) error {
	record, err := a.repo.GetConsent(c.Request().Context(), c.Param("consentId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"consent": record})
}

// LatestAuthorizedHandler returns the most recent consent holding an
// authorization code.
func (a *ConsentAPI) LatestAuthorizedHandler(c echo.Context) error {
	record, err := a.repo.LatestAuthorized(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"consent": record})
}

// RecentCodesHandler exposes the auth-code debug ring buffer.
func (a *ConsentAPI) RecentCodesHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"codes": a.ring.Snapshot()})
}

// consentIDForData resolves the consent id for a data request, defaulting to
// the most recently authorized consent.
func (a *ConsentAPI) consentIDForData(c echo.Context) (string, error) {
	if id := c.QueryParam("consent_id"); id != "" {
		return id, nil
	}
	record, err := a.repo.LatestAuthorized(c.Request().Context())
	if err != nil {
		return "", err
	}
	return record.ConsentID, nil
}

// AccountsHandler lists accounts under a data-sharing consent.
func (a *ConsentAPI) AccountsHandler(c echo.Context) error {
	consentID, err := a.consentIDForData(c)
	if err != nil {
		return writeError(c, err)
	}
	accounts, err := a.data.ListAccounts(c.Request().Context(), consentID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"accounts": accounts})
}

// BalancesHandler aggregates balances across all visible accounts.
func (a *ConsentAPI) BalancesHandler(c echo.Context) error {
	consentID, err := a.consentIDForData(c)
	if err != nil {
		return writeError(c, err)
	}
	balances, err := a.data.ListBalances(c.Request().Context(), consentID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"balances": balances})
}
