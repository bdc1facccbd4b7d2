// Package reconcile recovers messages the live fan-out missed: on
// (re)connect it pulls the server-held pending messages, decrypts them,
// stores them locally, and reports them delivered so the server can
// purge its ledger.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"privchat/internal/keymanager"
	"privchat/internal/keystore"
	"privchat/internal/model"
	"privchat/internal/utils/log"
)

type (
	// PendingAPI is the server surface the reconciler consumes.
	PendingAPI interface {
		FetchPending(ctx context.Context, conversationID string) ([]*model.PendingMessage, error)
		MarkDelivered(ctx context.Context, ids []string) error
	}

	Reconciler struct {
		api   PendingAPI
		keys  *keymanager.Manager
		store *keystore.Store
	}

	// Report is what the caller gets for UI/observability use.
	Report struct {
		SyncedCount int
		FailedCount int
		Errors      []error
	}

	// storedMessage is the decrypted local form of a synced message.
	storedMessage struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
		SenderID       string `json:"sender_id"`
		MessageNumber  int64  `json:"message_number"`
		Content        string `json:"content"`
	}
)

func New(api PendingAPI, keys *keymanager.Manager, store *keystore.Store) *Reconciler {
	return &Reconciler{
		api:   api,
		keys:  keys,
		store: store,
	}
}

// SyncPendingMessages runs one reconciliation pass, over all
// conversations or a single one. A message that fails to decrypt is
// recorded and skipped; it never aborts the batch. The final
// mark-delivered call is cleanup only: if it fails, the local writes
// stand and the failure is just logged.
func (r *Reconciler) SyncPendingMessages(ctx context.Context, conversationID string) (*Report, error) {
	pending, err := r.api.FetchPending(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch pending messages: %w", err)
	}

	report := &Report{}
	var syncedIDs []string

	for _, msg := range pending {
		if _, err := r.absorb(msg); err != nil {
			report.FailedCount++
			report.Errors = append(report.Errors, fmt.Errorf("message %s: %w", msg.ID, err))
			continue
		}
		report.SyncedCount++
		syncedIDs = append(syncedIDs, msg.ID)
	}

	if len(syncedIDs) > 0 {
		if err := r.api.MarkDelivered(ctx, syncedIDs); err != nil {
			log.Warn("mark delivered failed; server ledger not purged",
				zap.Int("count", len(syncedIDs)), zap.Error(err))
		}
	}

	log.Info("pending sync finished",
		zap.Int("synced", report.SyncedCount),
		zap.Int("failed", report.FailedCount))
	return report, nil
}

// AbsorbLive handles a message that arrived over the live connection:
// decrypt, persist, then report it delivered so the server drops its
// ledger row right away instead of waiting for the next sync pass. A
// failed report is logged and left for that pass to retry.
func (r *Reconciler) AbsorbLive(ctx context.Context, msg *model.PendingMessage) (string, error) {
	content, err := r.absorb(msg)
	if err != nil {
		return "", err
	}
	if err := r.api.MarkDelivered(ctx, []string{msg.ID}); err != nil {
		log.Warn("mark delivered failed; message stays pending until next sync",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	return content, nil
}

func (r *Reconciler) absorb(msg *model.PendingMessage) (string, error) {
	content := msg.Content
	if msg.Encrypted() {
		plaintext, err := r.keys.DecryptForConversation(msg.ConversationID, msg.EncryptedContent, msg.IV)
		if err != nil {
			return "", err
		}
		content = string(plaintext)
	}

	stored := storedMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		MessageNumber:  msg.MessageNumber,
		Content:        content,
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := r.store.Put(keystore.MessageKey(msg.ID), data); err != nil {
		return "", err
	}
	return content, nil
}
