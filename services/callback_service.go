package services

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ofconnect/consent-broker/cache"
	"github.com/ofconnect/consent-broker/domain"
	brokererrors "github.com/ofconnect/consent-broker/errors"
)

// ReconcileResult reports which consent a callback was matched to and whether
// the resulting update reached the store.
type ReconcileResult struct {
	ConsentID string `json:"consent_id"`
	Persisted bool   `json:"persisted"`
}

// CallbackService matches inbound redirect callbacks back to the consent that
// produced them and records the authorization outcome.
type CallbackService struct {
	repo domain.ConsentRepository
	ring *cache.CodeRing
}

// NewCallbackService wires the reconciler. The ring records recent codes for
// operator debugging and may be shared with a debug endpoint.
func NewCallbackService(repo domain.ConsentRepository, ring *cache.CodeRing) *CallbackService {
	return &CallbackService{repo: repo, ring: ring}
}

// Reconcile decodes the opaque state from the redirect query, recovers the
// originating consent, and upserts the authorization result. A callback whose
// state cannot be tied to a consent id is dropped: there is nothing to attach
// it to.
func (s *CallbackService) Reconcile(ctx context.Context, query url.Values) (*ReconcileResult, error) {
	state := query.Get("state")
	payload, err := DecodeState(state)
	if err != nil {
		log.Warn().Err(err).Str("state", state).Msg("discarding callback with unusable state")
		return nil, &brokererrors.ReconciliationError{Reason: err.Error()}
	}

	code := query.Get("code")
	callbackErr := query.Get("error")

	status := domain.StatusCallbackReceived
	switch {
	case callbackErr != "":
		status = domain.StatusCallbackError
	case code != "":
		status = domain.StatusAuthCodeReceived
	}

	if code != "" && s.ring != nil {
		s.ring.Record(payload.ConsentID, code)
	}

	now := time.Now().UTC()
	record := &domain.ConsentRecord{
		ConsentID:          payload.ConsentID,
		Status:             status,
		AuthCode:           code,
		Issuer:             query.Get("iss"),
		StatePayload:       state,
		CallbackQuery:      query.Encode(),
		CallbackReceivedAt: &now,
	}
	if callbackErr != "" {
		desc := query.Get("error_description")
		record.CallbackError = callbackErr
		if desc != "" {
			record.CallbackError = callbackErr + ": " + desc
		}
	}

	persisted := false
	if s.repo.Enabled() {
		if err := s.repo.UpsertConsent(ctx, record); err != nil {
			// Soft failure: the redirect itself already happened, the
			// user-facing confirmation must not break.
			log.Error().Err(err).Str("consent_id", payload.ConsentID).Msg("failed to persist callback result")
		} else {
			persisted = true
		}
	} else {
		log.Warn().Str("consent_id", payload.ConsentID).Msg("consent store disabled, callback result not persisted")
	}

	log.Info().
		Str("consent_id", payload.ConsentID).
		Str("status", string(status)).
		Bool("persisted", persisted).
		Msg("callback reconciled")

	return &ReconcileResult{ConsentID: payload.ConsentID, Persisted: persisted}, nil
}
