package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ofconnect/consent-broker/domain"
)

// MemoryConsentStore is an in-process domain.ConsentRepository. It backs the
// broker when no MongoDB is configured and carries the same partial-merge
// semantics as the Mongo repository.
type MemoryConsentStore struct {
	mu      sync.RWMutex
	records map[string]*domain.ConsentRecord
}

// NewMemoryConsentStore creates an empty in-process consent store.
func NewMemoryConsentStore() *MemoryConsentStore {
	return &MemoryConsentStore{records: make(map[string]*domain.ConsentRecord)}
}

func (s *MemoryConsentStore) Enabled() bool { return true }

func (s *MemoryConsentStore) UpsertConsent(_ context.Context, partial *domain.ConsentRecord) error {
	if partial == nil || partial.ConsentID == "" {
		return domain.ErrConsentNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[partial.ConsentID]
	if !ok {
		rec = &domain.ConsentRecord{ConsentID: partial.ConsentID, CreatedAt: now}
		s.records[partial.ConsentID] = rec
	}
	rec.UpdatedAt = now

	if partial.ConsentType != "" {
		rec.ConsentType = partial.ConsentType
	}
	if partial.BankLabel != "" {
		rec.BankLabel = partial.BankLabel
	}
	if partial.RedirectURL != "" {
		rec.RedirectURL = partial.RedirectURL
	}
	if partial.CodeVerifier != "" {
		rec.CodeVerifier = partial.CodeVerifier
	}
	if partial.Status != "" {
		rec.Status = partial.Status
	}
	if partial.AuthCode != "" {
		rec.AuthCode = partial.AuthCode
	}
	if partial.Issuer != "" {
		rec.Issuer = partial.Issuer
	}
	if partial.StatePayload != "" {
		rec.StatePayload = partial.StatePayload
	}
	if partial.CallbackQuery != "" {
		rec.CallbackQuery = partial.CallbackQuery
	}
	if partial.CallbackError != "" {
		rec.CallbackError = partial.CallbackError
	}
	if partial.CallbackReceivedAt != nil {
		t := partial.CallbackReceivedAt.UTC()
		rec.CallbackReceivedAt = &t
	}
	if len(partial.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(partial.Metadata))
		}
		for k, v := range partial.Metadata {
			rec.Metadata[k] = v
		}
	}
	return nil
}

func (s *MemoryConsentStore) GetConsent(_ context.Context, consentID string) (*domain.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[consentID]
	if !ok {
		return nil, domain.ErrConsentNotFound
	}
	cp := cloneRecord(rec)
	return cp, nil
}

func (s *MemoryConsentStore) LatestAuthorized(_ context.Context) (*domain.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var authorized []*domain.ConsentRecord
	for _, rec := range s.records {
		if rec.AuthCode != "" {
			authorized = append(authorized, rec)
		}
	}
	if len(authorized) == 0 {
		return nil, domain.ErrConsentNotFound
	}
	sort.Slice(authorized, func(i, j int) bool {
		ti, tj := recTime(authorized[i]), recTime(authorized[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return authorized[i].UpdatedAt.After(authorized[j].UpdatedAt)
	})
	return cloneRecord(authorized[0]), nil
}

// Len reports the number of stored records.
func (s *MemoryConsentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func recTime(rec *domain.ConsentRecord) time.Time {
	if rec.CallbackReceivedAt != nil {
		return *rec.CallbackReceivedAt
	}
	return time.Time{}
}

func cloneRecord(rec *domain.ConsentRecord) *domain.ConsentRecord {
	cp := *rec
	if rec.Metadata != nil {
		cp.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	if rec.CallbackReceivedAt != nil {
		t := *rec.CallbackReceivedAt
		cp.CallbackReceivedAt = &t
	}
	return &cp
}
