package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ofconnect/consent-broker/domain"
	brokererrors "github.com/ofconnect/consent-broker/errors"
)

// ConsentRepository persists ConsentRecords in MongoDB. Writes are partial
// $set merges keyed by consent_id so concurrent lifecycle writers (callback
// reconciliation, token refresh) never clobber each other's fields.
type ConsentRepository struct {
	coll *mongo.Collection
}

// NewConsentRepository creates the repository and ensures its indexes.
func NewConsentRepository(ctx context.Context, db *mongo.Database) (*ConsentRepository, error) {
	coll := db.Collection(ConsentsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "consent_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "callback_received_at", Value: -1}, {Key: "updated_at", Value: -1}},
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create consent indexes: %w", err)
	}

	return &ConsentRepository{coll: coll}, nil
}

// Enabled always reports true for a connected Mongo repository.
func (r *ConsentRepository) Enabled() bool { return true }

// UpsertConsent merges the non-zero fields of partial into the stored record
// with the same consent id, creating the record when absent. Metadata keys
// are merged individually so a token-cache write does not drop other keys.
func (r *ConsentRepository) UpsertConsent(ctx context.Context, partial *domain.ConsentRecord) error {
	if partial == nil || partial.ConsentID == "" {
		return errors.New("consent_id is required for upsert")
	}

	now := time.Now().UTC()
	set := bson.M{"updated_at": now}

	if partial.ConsentType != "" {
		set["consent_type"] = partial.ConsentType
	}
	if partial.BankLabel != "" {
		set["bank_label"] = partial.BankLabel
	}
	if partial.RedirectURL != "" {
		set["redirect_url"] = partial.RedirectURL
	}
	if partial.CodeVerifier != "" {
		set["code_verifier"] = partial.CodeVerifier
	}
	if partial.Status != "" {
		set["status"] = partial.Status
	}
	if partial.AuthCode != "" {
		set["auth_code"] = partial.AuthCode
	}
	if partial.Issuer != "" {
		set["issuer"] = partial.Issuer
	}
	if partial.StatePayload != "" {
		set["state_payload"] = partial.StatePayload
	}
	if partial.CallbackQuery != "" {
		set["callback_query"] = partial.CallbackQuery
	}
	if partial.CallbackError != "" {
		set["callback_error"] = partial.CallbackError
	}
	if partial.CallbackReceivedAt != nil {
		set["callback_received_at"] = partial.CallbackReceivedAt.UTC()
	}
	for k, v := range partial.Metadata {
		set["metadata."+k] = v
	}

	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"consent_id": partial.ConsentID, "created_at": now},
	}

	_, err := r.coll.UpdateOne(ctx,
		bson.M{"consent_id": partial.ConsentID},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		log.Error().Err(err).Str("consent_id", partial.ConsentID).Msg("consent upsert failed")
		return brokererrors.NewPersistence("consent upsert", err)
	}
	return nil
}

// GetConsent returns the record for the given consent id.
func (r *ConsentRepository) GetConsent(ctx context.Context, consentID string) (*domain.ConsentRecord, error) {
	var record domain.ConsentRecord
	err := r.coll.FindOne(ctx, bson.M{"consent_id": consentID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrConsentNotFound
	}
	if err != nil {
		return nil, brokererrors.NewPersistence("consent load", err)
	}
	return &record, nil
}

// LatestAuthorized returns the most recent record holding an authorization
// code, ordered by callback-received time then updated time, descending.
func (r *ConsentRepository) LatestAuthorized(ctx context.Context) (*domain.ConsentRecord, error) {
	filter := bson.M{"auth_code": bson.M{"$exists": true, "$ne": ""}}
	opts := options.FindOne().SetSort(bson.D{
		{Key: "callback_received_at", Value: -1},
		{Key: "updated_at", Value: -1},
	})

	var record domain.ConsentRecord
	err := r.coll.FindOne(ctx, filter, opts).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrConsentNotFound
	}
	if err != nil {
		return nil, brokererrors.NewPersistence("latest authorized query", err)
	}
	return &record, nil
}
