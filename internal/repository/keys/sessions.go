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
	SessionRepo struct {
		sessions      *mongo.Collection
		conversations *mongo.Collection
	}
)

func NewSessionRepo(db *mongo.Database) *SessionRepo {
	return &SessionRepo{
		sessions:      db.Collection("sessions"),
		conversations: db.Collection("conversations"),
	}
}

// GetOrCreateSession upserts the session for a conversation pair.
func (r *SessionRepo) GetOrCreateSession(ctx context.Context, conversationID, initiatorID, responderID string) (*model.ConversationSession, error) {
	now := time.Now().UTC()
	filter := bson.M{"conversation_id": conversationID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"conversation_id": conversationID,
			"initiator_id":    initiatorID,
			"responder_id":    responderID,
			"message_number":  int64(0),
			"created_at":      now,
			"updated_at":      now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var session model.ConversationSession
	if err := r.sessions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&session); err != nil {
		return nil, errors.Wrap(err, "sessionRepo.GetOrCreateSession")
	}
	return &session, nil
}

// NextMessageNumber atomically increments and returns the session's
// monotonic counter. The counter never resets while the session exists.
func (r *SessionRepo) NextMessageNumber(ctx context.Context, conversationID string) (int64, error) {
	filter := bson.M{"conversation_id": conversationID}
	update := bson.M{
		"$inc": bson.M{"message_number": int64(1)},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var session model.ConversationSession
	err := r.sessions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&session)
	if err == mongo.ErrNoDocuments {
		return 0, errors.New("sessionRepo.NextMessageNumber: session not found")
	}
	if err != nil {
		return 0, errors.Wrap(err, "sessionRepo.NextMessageNumber")
	}
	return session.MessageNumber, nil
}

// DeleteStaleSessions removes sessions not touched since the cutoff and
// returns the count removed. Active sessions keep updated_at fresh, so
// this only ever reaps stale rows.
func (r *SessionRepo) DeleteStaleSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.sessions.DeleteMany(ctx, bson.M{"updated_at": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, errors.Wrap(err, "sessionRepo.DeleteStaleSessions")
	}
	return res.DeletedCount, nil
}

func (r *SessionRepo) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if _, err := r.conversations.InsertOne(ctx, conv); err != nil {
		return errors.Wrap(err, "sessionRepo.CreateConversation")
	}
	return nil
}

func (r *SessionRepo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sessionRepo.GetConversation")
	}
	return &conv, nil
}
