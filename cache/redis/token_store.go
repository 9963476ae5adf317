package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ofconnect/consent-broker/domain"
)

const keyPrefix = "consent_token:"

// TokenStore is a Redis-backed hot cache for per-consent token material.
// It implements cache.TokenStore for deployments running more than one
// broker instance.
type TokenStore struct {
	client *redis.Client
}

// NewTokenStore creates a TokenStore on an existing Redis client.
func NewTokenStore(client *redis.Client) *TokenStore {
	return &TokenStore{client: client}
}

func (s *TokenStore) Get(ctx context.Context, consentID string) (*domain.TokenCache, bool) {
	raw, err := s.client.Get(ctx, keyPrefix+consentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("consent_id", consentID).Msg("redis token cache read failed")
		return nil, false
	}
	var tc domain.TokenCache
	if err := json.Unmarshal(raw, &tc); err != nil {
		log.Warn().Err(err).Str("consent_id", consentID).Msg("redis token cache entry corrupt, dropping")
		s.client.Del(ctx, keyPrefix+consentID)
		return nil, false
	}
	return &tc, true
}

func (s *TokenStore) Set(ctx context.Context, consentID string, tc *domain.TokenCache) {
	ttl := time.Until(tc.ExpiresAt.Add(-domain.TokenExpirySafetyWindow))
	if ttl <= 0 {
		s.Delete(ctx, consentID)
		return
	}
	raw, err := json.Marshal(tc)
	if err != nil {
		log.Warn().Err(err).Str("consent_id", consentID).Msg("failed to marshal token cache entry")
		return
	}
	if err := s.client.Set(ctx, keyPrefix+consentID, raw, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("consent_id", consentID).Msg("redis token cache write failed")
	}
}

func (s *TokenStore) Delete(ctx context.Context, consentID string) {
	if err := s.client.Del(ctx, keyPrefix+consentID).Err(); err != nil {
		log.Warn().Err(err).Str("consent_id", consentID).Msg("redis token cache delete failed")
	}
}
