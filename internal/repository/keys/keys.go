package keys

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"privchat/internal/model"
)

type (
	KeyRepo struct {
		identityKeys  *mongo.Collection
		preKeys       *mongo.Collection
		signedPreKeys *mongo.Collection
	}
)

func NewKeyRepo(db *mongo.Database) *KeyRepo {
	return &KeyRepo{
		identityKeys:  db.Collection("identity_keys"),
		preKeys:       db.Collection("pre_keys"),
		signedPreKeys: db.Collection("signed_pre_keys"),
	}
}

// UpsertIdentityKey replaces any prior identity key wholesale.
func (r *KeyRepo) UpsertIdentityKey(ctx context.Context, userID string, publicKey []byte) error {
	now := time.Now().UTC()
	filter := bson.M{"user_id": userID}
	update := bson.M{
		"$set": bson.M{
			"public_key": publicKey,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"user_id":    userID,
			"created_at": now,
		},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := r.identityKeys.UpdateOne(ctx, filter, update, opts); err != nil {
		return errors.Wrap(err, "keyRepo.UpsertIdentityKey")
	}
	return nil
}

func (r *KeyRepo) GetIdentityKey(ctx context.Context, userID string) (*model.IdentityKey, error) {
	var key model.IdentityKey
	err := r.identityKeys.FindOne(ctx, bson.M{"user_id": userID}).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "keyRepo.GetIdentityKey")
	}
	return &key, nil
}

func (r *KeyRepo) InsertPreKeys(ctx context.Context, preKeys []*model.PreKey) error {
	docs := make([]any, 0, len(preKeys))
	for _, k := range preKeys {
		docs = append(docs, k)
	}
	if _, err := r.preKeys.InsertMany(ctx, docs); err != nil {
		return errors.Wrap(err, "keyRepo.InsertPreKeys")
	}
	return nil
}

// ConsumePreKey atomically claims one unused prekey: FindOneAndUpdate
// selects and marks used in a single operation, so two concurrent
// callers can never be handed the same key. Returns (nil, nil) when the
// pool is empty.
func (r *KeyRepo) ConsumePreKey(ctx context.Context, userID string) (*model.PreKey, error) {
	filter := bson.M{"user_id": userID, "is_used": false}
	update := bson.M{"$set": bson.M{"is_used": true}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var key model.PreKey
	err := r.preKeys.FindOneAndUpdate(ctx, filter, update, opts).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "keyRepo.ConsumePreKey")
	}
	return &key, nil
}

func (r *KeyRepo) CountUnusedPreKeys(ctx context.Context, userID string) (int64, error) {
	n, err := r.preKeys.CountDocuments(ctx, bson.M{"user_id": userID, "is_used": false})
	if err != nil {
		return 0, errors.Wrap(err, "keyRepo.CountUnusedPreKeys")
	}
	return n, nil
}

func (r *KeyRepo) InsertSignedPreKey(ctx context.Context, key *model.SignedPreKey) error {
	if _, err := r.signedPreKeys.InsertOne(ctx, key); err != nil {
		return errors.Wrap(err, "keyRepo.InsertSignedPreKey")
	}
	return nil
}

func (r *KeyRepo) GetSignedPreKey(ctx context.Context, userID string) (*model.SignedPreKey, error) {
	var key model.SignedPreKey
	err := r.signedPreKeys.FindOne(ctx, bson.M{"user_id": userID}).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "keyRepo.GetSignedPreKey")
	}
	return &key, nil
}

func (r *KeyRepo) DeleteSignedPreKey(ctx context.Context, userID string) error {
	if _, err := r.signedPreKeys.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return errors.Wrap(err, "keyRepo.DeleteSignedPreKey")
	}
	return nil
}
