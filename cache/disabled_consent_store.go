package cache

import (
	"context"
	"errors"

	"github.com/ofconnect/consent-broker/domain"
)

// ErrStoreDisabled is returned by every operation on a DisabledConsentStore.
var ErrStoreDisabled = errors.New("consent store is disabled")

// DisabledConsentStore is the ConsentRepository used when no backing store is
// configured. Callers detect it via Enabled() and degrade instead of failing.
type DisabledConsentStore struct{}

func (DisabledConsentStore) Enabled() bool { return false }

func (DisabledConsentStore) UpsertConsent(context.Context, *domain.ConsentRecord) error {
	return ErrStoreDisabled
}

func (DisabledConsentStore) GetConsent(context.Context, string) (*domain.ConsentRecord, error) {
	return nil, ErrStoreDisabled
}

func (DisabledConsentStore) LatestAuthorized(context.Context) (*domain.ConsentRecord, error) {
	return nil, ErrStoreDisabled
}
