package messages

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"privchat/internal/model"
)

type (
	// MessageRepo is the server's pending-message ledger. Rows live from
	// the moment a message is accepted until the recipient reports it
	// delivered.
	MessageRepo struct {
		pending *mongo.Collection
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		pending: db.Collection("pending_messages"),
	}
}

func (r *MessageRepo) Insert(ctx context.Context, msg *model.PendingMessage) error {
	if _, err := r.pending.InsertOne(ctx, msg); err != nil {
		return errors.Wrap(err, "messageRepo.Insert")
	}
	return nil
}

// ListPending returns undelivered messages for a recipient, oldest
// first, optionally scoped to one conversation.
func (r *MessageRepo) ListPending(ctx context.Context, recipientID, conversationID string) ([]*model.PendingMessage, error) {
	filter := bson.M{"recipient_id": recipientID}
	if conversationID != "" {
		filter["conversation_id"] = conversationID
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.pending.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "messageRepo.ListPending")
	}
	defer cursor.Close(ctx)

	var msgs []*model.PendingMessage
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, errors.Wrap(err, "messageRepo.ListPending.All")
	}
	return msgs, nil
}

// DeleteByIDs purges delivered messages from the ledger.
func (r *MessageRepo) DeleteByIDs(ctx context.Context, recipientID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{
		"recipient_id": recipientID,
		"message_id":   bson.M{"$in": ids},
	}
	res, err := r.pending.DeleteMany(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(err, "messageRepo.DeleteByIDs")
	}
	return res.DeletedCount, nil
}
