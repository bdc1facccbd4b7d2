package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameKeyed(t *testing.T) {
	data := []byte(`{
		"id": "abc",
		"type": "new_message",
		"channel": "messaging",
		"conversation_id": "c1",
		"data": {"body": "hi"}
	}`)

	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	require.NotNil(t, frame.Envelope)
	assert.Nil(t, frame.Flat)
	assert.Equal(t, "abc", frame.Envelope.ID)
	assert.Equal(t, TypeNewMessage, frame.Envelope.Type)
	assert.Equal(t, "c1", frame.Envelope.ConversationID)
}

func TestDecodeFrameFlat(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Flat)
	assert.Nil(t, frame.Envelope)
	assert.Equal(t, TypePing, frame.Flat.Type)
}

func TestDecodeFrameEmptyChannelIsKeyed(t *testing.T) {
	// presence of the field decides the shape, not its value
	frame, err := DecodeFrame([]byte(`{"type":"pong","channel":""}`))
	require.NoError(t, err)
	require.NotNil(t, frame.Envelope)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{not json`))
	require.Error(t, err)
}

func TestNewEnvelopeUniqueIDs(t *testing.T) {
	a, err := NewEnvelope(TypeTyping, "c1", nil)
	require.NoError(t, err)
	b, err := NewEnvelope(TypeTyping, "c1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestConversationPeer(t *testing.T) {
	conv := &Conversation{Participants: [2]string{"alice", "bob"}}
	assert.Equal(t, "bob", conv.Peer("alice"))
	assert.Equal(t, "alice", conv.Peer("bob"))
	assert.Equal(t, "", conv.Peer("mallory"))
}
