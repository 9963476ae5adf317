package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func cachedRecord(now time.Time) *ConsentRecord {
	return &ConsentRecord{
		ConsentID: "c1",
		Status:    StatusAuthCodeReceived,
		Metadata: map[string]any{
			MetadataTokenCacheKey: (&TokenCache{
				AccessToken:  "tok",
				RefreshToken: "ref",
				ExpiresAt:    now.Add(10 * time.Minute),
				ObtainedAt:   now,
			}).AsMetadata(),
		},
	}
}

func TestTokenCacheSurvivesBSONRoundTrip(t *testing.T) {
	// BSON stores timestamps at millisecond precision.
	now := time.Now().UTC().Truncate(time.Millisecond)

	raw, err := bson.Marshal(cachedRecord(now))
	require.NoError(t, err)

	var decoded ConsentRecord
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	// The driver decodes the nested document inside the interface-valued
	// metadata map as bson.D, not map[string]any.
	tc := TokenCacheFromMetadata(decoded.Metadata)
	require.NotNil(t, tc, "token cache must survive a BSON round trip")
	assert.Equal(t, "tok", tc.AccessToken)
	assert.Equal(t, "ref", tc.RefreshToken)
	assert.WithinDuration(t, now.Add(10*time.Minute), tc.ExpiresAt, time.Millisecond)
	assert.True(t, tc.Usable(now))
}

func TestTokenCacheSurvivesJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	raw, err := json.Marshal(cachedRecord(now))
	require.NoError(t, err)

	var decoded ConsentRecord
	require.NoError(t, json.Unmarshal(raw, &decoded))

	tc := TokenCacheFromMetadata(decoded.Metadata)
	require.NotNil(t, tc, "token cache must survive a JSON round trip")
	assert.Equal(t, "tok", tc.AccessToken)
	assert.True(t, tc.Usable(now))
}

func TestTokenCacheFromMetadataDocumentShapes(t *testing.T) {
	exp := time.Now().Add(5 * time.Minute).UTC()

	cases := map[string]any{
		"plain map": map[string]any{"access_token": "tok", "expires_at": exp},
		"bson.M":    bson.M{"access_token": "tok", "expires_at": exp},
		"bson.D":    bson.D{{Key: "access_token", Value: "tok"}, {Key: "expires_at", Value: exp}},
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			tc := TokenCacheFromMetadata(map[string]any{MetadataTokenCacheKey: doc})
			require.NotNil(t, tc)
			assert.Equal(t, "tok", tc.AccessToken)
			assert.WithinDuration(t, exp, tc.ExpiresAt, time.Second)
		})
	}

	assert.Nil(t, TokenCacheFromMetadata(map[string]any{MetadataTokenCacheKey: "not a document"}))
	assert.Nil(t, TokenCacheFromMetadata(map[string]any{}))
}
