package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"privchat/internal/model"
	"privchat/internal/utils/log"
)

type newMessageData struct {
	ID               string `json:"id"`
	SenderID         string `json:"sender_id"`
	RecipientID      string `json:"recipient_id"`
	MessageNumber    int64  `json:"message_number,omitempty"`
	EncryptedContent string `json:"encrypted_content,omitempty"`
	IV               string `json:"iv,omitempty"`
	Content          string `json:"content,omitempty"`
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "failed to upgrade", http.StatusInternalServerError)
			return
		}

		c := newClient(conn)
		if old := s.hub.add(userID, c); old != nil {
			old.close()
		}
		s.setPresence(r.Context(), userID, true)

		go s.processConn(userID, conn, c)

		if err := s.forwardCachedEnvelopes(r.Context(), userID, c); err != nil {
			log.Error("forward cached envelopes failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (s *HttpServer) processConn(userID string, conn *websocket.Conn, c *client) {
	defer func() {
		c.close()
		// only the still-current connection may flip the user offline;
		// a quick reconnect has already replaced this registration
		if s.hub.remove(userID, c) {
			s.setPresence(context.Background(), userID, false)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("client web socket closed",
				zap.String("user_id", userID), zap.Error(err))
			return
		}

		frame, err := model.DecodeFrame(data)
		if err != nil {
			log.Error("bad client frame", zap.Error(err))
			continue
		}
		if frame.Flat != nil {
			s.handleFlat(c, frame.Flat)
			continue
		}
		s.handleEnvelope(userID, c, frame.Envelope)
	}
}

func (s *HttpServer) handleFlat(c *client, flat *model.FlatMessage) {
	if flat.Type == model.TypePing {
		data, _ := json.Marshal(model.FlatMessage{Type: model.TypePong})
		c.writeMessage(websocket.TextMessage, data)
	}
}

func (s *HttpServer) handleEnvelope(userID string, c *client, env *model.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case model.TypePing:
		s.reply(c, model.TypePong, nil)
	case model.TypePong, model.TypeAck:
		// nothing to do
	case model.TypeNewMessage:
		s.handleNewMessage(ctx, userID, c, env)
	default:
		// typing, reactions, read receipts, edits: forward-only traffic
		s.forwardToPeer(ctx, env)
	}
}

// handleNewMessage persists the message to the pending ledger, ACKs the
// sender, then fans out live or parks the envelope for the next connect.
func (s *HttpServer) handleNewMessage(ctx context.Context, senderID string, c *client, env *model.Envelope) {
	var data newMessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Error("bad new_message payload", zap.Error(err))
		return
	}

	num, err := s.custody.NextMessageNumber(ctx, env.ConversationID)
	if err != nil {
		log.Error("assign message number failed",
			zap.String("conversation_id", env.ConversationID), zap.Error(err))
		return
	}
	data.MessageNumber = num
	data.SenderID = senderID

	if err := s.messageRepo.Insert(ctx, &model.PendingMessage{
		ID:               data.ID,
		ConversationID:   env.ConversationID,
		SenderID:         senderID,
		RecipientID:      data.RecipientID,
		MessageNumber:    num,
		EncryptedContent: data.EncryptedContent,
		IV:               data.IV,
		Content:          data.Content,
		CreatedAt:        time.Now().UTC(),
	}); err != nil {
		log.Error("persist pending message failed", zap.Error(err))
		return
	}

	// positive signal to the sender only after the message is durable
	s.reply(c, model.TypeAck, model.AckData{ID: env.ID})

	raw, err := json.Marshal(&data)
	if err != nil {
		log.Error("encode fan-out payload failed", zap.Error(err))
		return
	}
	env.Data = raw
	s.deliver(ctx, data.RecipientID, env)
}

func (s *HttpServer) forwardToPeer(ctx context.Context, env *model.Envelope) {
	var data struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.RecipientID == "" {
		log.Debug("envelope without recipient, dropping", zap.String("type", string(env.Type)))
		return
	}
	s.deliver(ctx, data.RecipientID, env)
}

// deliver writes to the recipient's live connection, or parks the
// envelope in the redis offline cache.
func (s *HttpServer) deliver(ctx context.Context, recipientID string, env *model.Envelope) {
	if c, ok := s.hub.get(recipientID); ok {
		if err := c.writeJSON(env); err == nil {
			return
		}
	}
	if err := s.cacheEnvelope(ctx, recipientID, env); err != nil {
		log.Error("cache envelope failed",
			zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

func (s *HttpServer) reply(c *client, typ model.EnvelopeType, data any) {
	env, err := model.NewEnvelope(typ, "", data)
	if err != nil {
		return
	}
	if err := c.writeJSON(env); err != nil {
		log.Debug("reply failed", zap.Error(err))
	}
}
