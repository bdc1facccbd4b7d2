package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// IdentityKey is a user's long-lived public key. One per user,
	// replaced wholesale on regeneration.
	IdentityKey struct {
		ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		UserID    string             `bson:"user_id" json:"user_id"`
		PublicKey []byte             `bson:"public_key" json:"public_key"`
		CreatedAt time.Time          `bson:"created_at" json:"created_at"`
		UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
	}

	// PreKey is a single-use public key. Once is_used flips to true the
	// key is never handed out again.
	PreKey struct {
		ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		UserID    string             `bson:"user_id" json:"user_id"`
		KeyID     int                `bson:"key_id" json:"key_id"`
		PublicKey []byte             `bson:"public_key" json:"public_key"`
		IsUsed    bool               `bson:"is_used" json:"is_used"`
		CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	}

	// SignedPreKey is the medium-lived key signed by the identity key.
	// Exactly one current record per user.
	SignedPreKey struct {
		ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		UserID    string             `bson:"user_id" json:"user_id"`
		KeyID     int                `bson:"key_id" json:"key_id"`
		PublicKey []byte             `bson:"public_key" json:"public_key"`
		Signature []byte             `bson:"signature" json:"signature"`
		CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	}

	// KeyBundle is assembled on demand from the three records above and
	// never persisted. The one-time prekey component is best-effort: it
	// is absent when the pool is exhausted.
	KeyBundle struct {
		IdentityKey  []byte `json:"identity_key"`
		SignedPreKey []byte `json:"signed_pre_key"`
		SignedKeyID  int    `json:"signed_key_id"`
		Signature    []byte `json:"signature"`
		PreKey       []byte `json:"pre_key,omitempty"`
		PreKeyID     *int   `json:"pre_key_id,omitempty"`
	}
)
