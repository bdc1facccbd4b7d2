package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EnvelopeType string

const (
	TypeNewMessage       EnvelopeType = "new_message"
	TypeMessageDelivered EnvelopeType = "message_delivered"
	TypeMessageRead      EnvelopeType = "message_read"
	TypeTyping           EnvelopeType = "typing"
	TypeStopTyping       EnvelopeType = "stop_typing"
	TypeReaction         EnvelopeType = "reaction"
	TypeReactionRemoved  EnvelopeType = "reaction_removed"
	TypeMessageDeleted   EnvelopeType = "message_deleted"
	TypeMessageEdited    EnvelopeType = "message_edited"
	TypeMessagePinned    EnvelopeType = "message_pinned"
	TypeMessageUnpinned  EnvelopeType = "message_unpinned"
	TypeOnline           EnvelopeType = "online"
	TypeOffline          EnvelopeType = "offline"
	TypeAck              EnvelopeType = "ack"
	TypePing             EnvelopeType = "ping"
	TypePong             EnvelopeType = "pong"
)

type (
	// Envelope is a keyed real-time frame, routable by type. ID is
	// unique per send and correlates ACKs.
	Envelope struct {
		ID             string          `json:"id"`
		Type           EnvelopeType    `json:"type"`
		Channel        string          `json:"channel"`
		ConversationID string          `json:"conversation_id,omitempty"`
		Data           json.RawMessage `json:"data,omitempty"`
		Timestamp      time.Time       `json:"timestamp"`
	}

	// FlatMessage is the legacy frame shape with no channel field. Only
	// bare ping/pong still arrive this way.
	FlatMessage struct {
		Type EnvelopeType    `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}

	// Frame is the tagged union of the two inbound shapes. Exactly one
	// arm is non-nil, decided once at decode time.
	Frame struct {
		Envelope *Envelope
		Flat     *FlatMessage
	}

	// AckData is the payload of an ack envelope.
	AckData struct {
		ID string `json:"id"`
	}
)

// NewEnvelope builds an outbound envelope with a fresh correlation ID.
func NewEnvelope(typ EnvelopeType, conversationID string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data: %w", err)
		}
		raw = b
	}
	return &Envelope{
		ID:             uuid.NewString(),
		Type:           typ,
		Channel:        "messaging",
		ConversationID: conversationID,
		Data:           raw,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// DecodeFrame classifies an inbound frame by the presence of the
// channel field, once, at deserialization.
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Channel *string `json:"channel"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	if probe.Channel != nil {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("decode envelope: %w", err)
		}
		return Frame{Envelope: &env}, nil
	}

	var flat FlatMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return Frame{}, fmt.Errorf("decode flat message: %w", err)
	}
	return Frame{Flat: &flat}, nil
}
