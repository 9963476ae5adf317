package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ofconnect/consent-broker/domain"
)

// TokenStore is a hot cache for per-consent token material, sitting in front
// of the durable consent store. Implementations must be safe for concurrent
// use. Entries are advisory: a miss only costs a store read.
type TokenStore interface {
	Get(ctx context.Context, consentID string) (*domain.TokenCache, bool)
	Set(ctx context.Context, consentID string, tc *domain.TokenCache)
	Delete(ctx context.Context, consentID string)
}

// MemoryTokenStore is an in-process TokenStore backed by ttlcache. Entries
// expire when the underlying access token leaves its usable window.
type MemoryTokenStore struct {
	cache *ttlcache.Cache[string, *domain.TokenCache]
}

// NewMemoryTokenStore creates and starts an in-process token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	c := ttlcache.New[string, *domain.TokenCache]()
	go c.Start()
	return &MemoryTokenStore{cache: c}
}

func (s *MemoryTokenStore) Get(_ context.Context, consentID string) (*domain.TokenCache, bool) {
	item := s.cache.Get(consentID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (s *MemoryTokenStore) Set(_ context.Context, consentID string, tc *domain.TokenCache) {
	ttl := time.Until(tc.ExpiresAt.Add(-domain.TokenExpirySafetyWindow))
	if ttl <= 0 {
		// Nothing usable to cache.
		s.cache.Delete(consentID)
		return
	}
	s.cache.Set(consentID, tc, ttl)
}

func (s *MemoryTokenStore) Delete(_ context.Context, consentID string) {
	s.cache.Delete(consentID)
}

// Stop terminates the background expiry loop.
func (s *MemoryTokenStore) Stop() {
	s.cache.Stop()
}
