package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ConsentType enumerates the kinds of consent this broker can initiate.
type ConsentType string

const (
	ConsentTypeSinglePayment    ConsentType = "single-payment"
	ConsentTypeVariableOnDemand ConsentType = "variable-on-demand-payment"
	ConsentTypeDataSharing      ConsentType = "data-sharing"
)

// ConsentStatus enumerates the lifecycle states of a ConsentRecord.
type ConsentStatus string

const (
	StatusRedirectReady     ConsentStatus = "redirect_ready"
	StatusCallbackReceived  ConsentStatus = "callback_received"
	StatusAuthCodeReceived  ConsentStatus = "authorization_code_received"
	StatusCallbackError     ConsentStatus = "callback_error"
	StatusAssistantRecorded ConsentStatus = "mcp_recorded"
)

// ConsentRecord is the persisted representation of one consent attempt across
// its full lifecycle. Every write is a partial merge keyed by ConsentID;
// lifecycle stages each own a disjoint set of fields.
type ConsentRecord struct {
	ConsentID     string        `bson:"consent_id"               json:"consent_id"`
	ConsentType   ConsentType   `bson:"consent_type,omitempty"   json:"consent_type,omitempty"`
	BankLabel     string        `bson:"bank_label,omitempty"     json:"bank_label,omitempty"`
	RedirectURL   string        `bson:"redirect_url,omitempty"   json:"redirect_url,omitempty"`
	CodeVerifier  string        `bson:"code_verifier,omitempty"  json:"code_verifier,omitempty"`
	Status        ConsentStatus `bson:"status,omitempty"         json:"status,omitempty"`
	AuthCode      string        `bson:"auth_code,omitempty"      json:"auth_code,omitempty"`
	Issuer        string        `bson:"issuer,omitempty"         json:"issuer,omitempty"`
	StatePayload  string        `bson:"state_payload,omitempty"  json:"state_payload,omitempty"`
	CallbackQuery string        `bson:"callback_query,omitempty" json:"callback_query,omitempty"`
	CallbackError string        `bson:"callback_error,omitempty" json:"callback_error,omitempty"`

	CallbackReceivedAt *time.Time `bson:"callback_received_at,omitempty" json:"callback_received_at,omitempty"`

	// Metadata is an open map for protocol extras; the token cache lives
	// under MetadataTokenCacheKey.
	Metadata map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`

	CreatedAt time.Time `bson:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// MetadataTokenCacheKey is the metadata key under which TokenCache is stored.
const MetadataTokenCacheKey = "token_cache"

// TokenCache holds the tokens obtained for an authorized consent.
type TokenCache struct {
	AccessToken  string    `bson:"access_token"            json:"access_token"`
	RefreshToken string    `bson:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `bson:"expires_at"              json:"expires_at"`
	ObtainedAt   time.Time `bson:"obtained_at"             json:"obtained_at"`
}

// TokenExpirySafetyWindow is how far in the future an access token must still
// be valid to be served from cache without a refresh.
const TokenExpirySafetyWindow = 60 * time.Second

// Usable reports whether the cached access token can still be used directly.
func (tc *TokenCache) Usable(now time.Time) bool {
	if tc == nil || tc.AccessToken == "" {
		return false
	}
	return tc.ExpiresAt.After(now.Add(TokenExpirySafetyWindow))
}

// TokenCacheFromMetadata extracts the TokenCache sub-record from a consent's
// metadata map. The map may originate from BSON or JSON decoding, so values
// arrive as generic types rather than a typed struct.
func TokenCacheFromMetadata(md map[string]any) *TokenCache {
	raw, ok := md[MetadataTokenCacheKey]
	if !ok {
		return nil
	}
	m, ok := asDocument(raw)
	if !ok {
		return nil
	}
	tc := &TokenCache{}
	if v, ok := m["access_token"].(string); ok {
		tc.AccessToken = v
	}
	if v, ok := m["refresh_token"].(string); ok {
		tc.RefreshToken = v
	}
	if v, ok := asTime(m["expires_at"]); ok {
		tc.ExpiresAt = v
	}
	if v, ok := asTime(m["obtained_at"]); ok {
		tc.ObtainedAt = v
	}
	if tc.AccessToken == "" {
		return nil
	}
	return tc
}

// AsMetadata converts the TokenCache into the generic map shape stored under
// metadata, mirroring what a BSON round trip would produce.
func (tc *TokenCache) AsMetadata() map[string]any {
	m := map[string]any{
		"access_token": tc.AccessToken,
		"expires_at":   tc.ExpiresAt.UTC(),
		"obtained_at":  tc.ObtainedAt.UTC(),
	}
	if tc.RefreshToken != "" {
		m["refresh_token"] = tc.RefreshToken
	}
	return m
}

// asDocument normalizes the shapes a nested metadata document takes after
// decoding: plain maps from JSON, and bson.M or bson.D from the mongo driver,
// which decodes documents inside interface{} values as bson.D.
func asDocument(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case map[string]any:
		return d, true
	case bson.M:
		return map[string]any(d), true
	case bson.D:
		m := make(map[string]any, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, true
	}
	return nil, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case bson.DateTime:
		return t.Time(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
