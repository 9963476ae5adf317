package domain

import (
	"context"
	"errors"
)

// ErrConsentNotFound is returned when no record exists for a consent id.
var ErrConsentNotFound = errors.New("consent not found")

// ConsentRepository defines persistence for ConsentRecords. Implementations
// must treat every write as an idempotent partial merge keyed by ConsentID:
// fields absent from the partial record are left untouched.
type ConsentRepository interface {
	// Enabled reports whether a backing store is actually configured.
	// Callers use this instead of nil-checks so the core degrades cleanly
	// when persistence is unavailable.
	Enabled() bool

	// UpsertConsent merges the non-zero fields of the partial record into
	// the stored record with the same ConsentID, creating it if needed.
	UpsertConsent(ctx context.Context, partial *ConsentRecord) error

	// GetConsent returns the record for the given consent id, or
	// ErrConsentNotFound.
	GetConsent(ctx context.Context, consentID string) (*ConsentRecord, error)

	// LatestAuthorized returns the most recent record holding an
	// authorization code, ordered by callback-received time then updated
	// time, descending. Returns ErrConsentNotFound when none exists.
	LatestAuthorized(ctx context.Context) (*ConsentRecord, error)
}
