package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// EncryptedPayload is the wire/storage form of a hybrid-encrypted
	// message: base64 of [wrapped AES key || iv || ciphertext], with the
	// iv duplicated alongside for transport convenience.
	EncryptedPayload struct {
		EncryptedContent string `bson:"encrypted_content" json:"encrypted_content"`
		IV               string `bson:"iv" json:"iv"`
	}

	// PendingMessage is a server-held message awaiting delivery. The
	// ledger row is purged once the recipient reports it delivered.
	PendingMessage struct {
		DBID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
		ID               string             `bson:"message_id" json:"id"`
		ConversationID   string             `bson:"conversation_id" json:"conversation_id"`
		SenderID         string             `bson:"sender_id" json:"sender_id"`
		RecipientID      string             `bson:"recipient_id" json:"recipient_id"`
		MessageNumber    int64              `bson:"message_number" json:"message_number"`
		EncryptedContent string             `bson:"encrypted_content,omitempty" json:"encrypted_content,omitempty"`
		IV               string             `bson:"iv,omitempty" json:"iv,omitempty"`
		Content          string             `bson:"content,omitempty" json:"content,omitempty"`
		CreatedAt        time.Time          `bson:"created_at" json:"created_at"`
	}
)

// Encrypted reports whether the message carries a hybrid-encrypted body.
func (m *PendingMessage) Encrypted() bool {
	return m.EncryptedContent != "" && m.IV != ""
}
