// Package custody holds the server-side key issuance logic: identity
// key registration, prekey upload and exactly-once consumption, signed
// prekey rotation, bundle assembly, and session bookkeeping.
package custody

import (
	"context"
	"time"

	"go.uber.org/zap"

	"privchat/internal/model"
	"privchat/internal/utils/log"
	apperrors "privchat/pkg/errors"
)

const maxPreKeyBatch = 100

type (
	// KeyRepository is the persistence surface the service needs for key
	// material. ConsumePreKey must select-and-mark-used atomically.
	KeyRepository interface {
		UpsertIdentityKey(ctx context.Context, userID string, publicKey []byte) error
		GetIdentityKey(ctx context.Context, userID string) (*model.IdentityKey, error)
		InsertPreKeys(ctx context.Context, preKeys []*model.PreKey) error
		ConsumePreKey(ctx context.Context, userID string) (*model.PreKey, error)
		CountUnusedPreKeys(ctx context.Context, userID string) (int64, error)
		InsertSignedPreKey(ctx context.Context, key *model.SignedPreKey) error
		GetSignedPreKey(ctx context.Context, userID string) (*model.SignedPreKey, error)
		DeleteSignedPreKey(ctx context.Context, userID string) error
	}

	SessionRepository interface {
		GetOrCreateSession(ctx context.Context, conversationID, initiatorID, responderID string) (*model.ConversationSession, error)
		NextMessageNumber(ctx context.Context, conversationID string) (int64, error)
		DeleteStaleSessions(ctx context.Context, olderThan time.Time) (int64, error)
		CreateConversation(ctx context.Context, conv *model.Conversation) error
		GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	}

	Service struct {
		keys     KeyRepository
		sessions SessionRepository
	}
)

func NewService(keys KeyRepository, sessions SessionRepository) *Service {
	return &Service{
		keys:     keys,
		sessions: sessions,
	}
}

// RegisterIdentityKey validates the key length for the expected curve
// and upserts, replacing any prior identity key wholesale.
func (s *Service) RegisterIdentityKey(ctx context.Context, userID string, publicKey []byte) error {
	if len(publicKey) != 32 && len(publicKey) != 33 {
		return apperrors.ErrInvalidIdentityKey
	}
	return s.keys.UpsertIdentityKey(ctx, userID, publicKey)
}

// UploadPreKeys stores a batch of 1..100 unused prekeys.
func (s *Service) UploadPreKeys(ctx context.Context, userID string, batch []*model.PreKey) error {
	if len(batch) == 0 {
		return apperrors.ErrEmptyPreKeyBatch
	}
	if len(batch) > maxPreKeyBatch {
		return apperrors.ErrPreKeyBatchTooLarge
	}

	now := time.Now().UTC()
	for _, k := range batch {
		k.UserID = userID
		k.IsUsed = false
		k.CreatedAt = now
	}
	return s.keys.InsertPreKeys(ctx, batch)
}

// ConsumePreKey claims one unused prekey. An empty pool is not an
// error: callers treat a nil result as "bundle has no one-time key".
func (s *Service) ConsumePreKey(ctx context.Context, userID string) (*model.PreKey, error) {
	return s.keys.ConsumePreKey(ctx, userID)
}

// PreKeyCount reports the remaining unused pool size for a user.
func (s *Service) PreKeyCount(ctx context.Context, userID string) (int64, error) {
	return s.keys.CountUnusedPreKeys(ctx, userID)
}

func (s *Service) UploadSignedPreKey(ctx context.Context, userID string, keyID int, publicKey, signature []byte) error {
	return s.keys.InsertSignedPreKey(ctx, &model.SignedPreKey{
		UserID:    userID,
		KeyID:     keyID,
		PublicKey: publicKey,
		Signature: signature,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) GetSignedPreKey(ctx context.Context, userID string) (*model.SignedPreKey, error) {
	key, err := s.keys.GetSignedPreKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apperrors.ErrSignedPreKeyMissing
	}
	return key, nil
}

// RotateSignedPreKey deletes the old record then inserts the new one.
// The delete is best-effort: a failure there is logged and the insert
// still proceeds.
func (s *Service) RotateSignedPreKey(ctx context.Context, userID string, newKeyID int, publicKey, signature []byte) error {
	if err := s.keys.DeleteSignedPreKey(ctx, userID); err != nil {
		log.Warn("rotate: delete old signed prekey failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	return s.UploadSignedPreKey(ctx, userID, newKeyID, publicKey, signature)
}

// GetKeyBundle assembles a bundle for a sender. Identity key and signed
// prekey are mandatory; the one-time prekey is attached only when the
// pool still has one.
func (s *Service) GetKeyBundle(ctx context.Context, userID string) (*model.KeyBundle, error) {
	identity, err := s.keys.GetIdentityKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, apperrors.ErrIdentityKeyMissing
	}

	signed, err := s.keys.GetSignedPreKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if signed == nil {
		return nil, apperrors.ErrSignedPreKeyMissing
	}

	bundle := &model.KeyBundle{
		IdentityKey:  identity.PublicKey,
		SignedPreKey: signed.PublicKey,
		SignedKeyID:  signed.KeyID,
		Signature:    signed.Signature,
	}

	oneTime, err := s.keys.ConsumePreKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	if oneTime != nil {
		bundle.PreKey = oneTime.PublicKey
		keyID := oneTime.KeyID
		bundle.PreKeyID = &keyID
	}
	return bundle, nil
}

// CleanupSessions reaps sessions untouched since the cutoff.
func (s *Service) CleanupSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	removed, err := s.sessions.DeleteStaleSessions(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Info("cleaned up stale sessions", zap.Int64("removed", removed))
	}
	return removed, nil
}

func (s *Service) GetOrCreateSession(ctx context.Context, conversationID, initiatorID, responderID string) (*model.ConversationSession, error) {
	return s.sessions.GetOrCreateSession(ctx, conversationID, initiatorID, responderID)
}

func (s *Service) NextMessageNumber(ctx context.Context, conversationID string) (int64, error) {
	return s.sessions.NextMessageNumber(ctx, conversationID)
}

func (s *Service) CreateConversation(ctx context.Context, id string, participants [2]string) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:           id,
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.sessions.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := s.sessions.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperrors.NotFound("conversation not found")
	}
	return conv, nil
}
