package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// ConversationSession tracks the server half of a conversation pair.
	// MessageNumber only ever increases while the session exists.
	ConversationSession struct {
		ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		ConversationID string             `bson:"conversation_id" json:"conversation_id"`
		InitiatorID    string             `bson:"initiator_id" json:"initiator_id"`
		ResponderID    string             `bson:"responder_id" json:"responder_id"`
		MessageNumber  int64              `bson:"message_number" json:"message_number"`
		CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
		UpdatedAt      time.Time          `bson:"updated_at" json:"updated_at"`
	}

	// Conversation names a participant pair so a client can resolve
	// "the other side" during key exchange.
	Conversation struct {
		ID           string    `bson:"_id" json:"id"`
		Participants [2]string `bson:"participants" json:"participants"`
		CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	}
)

// Peer returns the other participant, or "" if userID is not a member.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}
