package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"privchat/internal/keymanager"
	"privchat/internal/model"
	"privchat/internal/reconcile"
	"privchat/internal/transport"
	"privchat/internal/utils/log"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField
		status  *tview.TextView

		api        *APIClient
		keys       *keymanager.Manager
		transport  *transport.Transport
		reconciler *reconcile.Reconciler

		userID         string
		peerID         string
		conversationID string
	}
)

func NewApp(api *APIClient, keys *keymanager.Manager, tr *transport.Transport, rec *reconcile.Reconciler) *App {
	return &App{
		app:        tview.NewApplication(),
		api:        api,
		keys:       keys,
		transport:  tr,
		reconciler: rec,
		userID:     keys.Principal(),
	}
}

func (c *App) Run(ctx context.Context, peerID string) error {
	c.peerID = peerID

	if err := c.keys.Initialize(); err != nil {
		return fmt.Errorf("initialize key manager: %w", err)
	}
	if err := c.registerIfNeeded(ctx); err != nil {
		return fmt.Errorf("register keys: %w", err)
	}
	if err := c.openConversation(ctx); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	c.transport.On(model.TypeNewMessage, c.onNewMessage)
	c.transport.On(model.TypeMessageDelivered, c.onDelivered)
	c.transport.On(model.TypeOnline, c.onPresence(true))
	c.transport.On(model.TypeOffline, c.onPresence(false))
	c.transport.OnStatus(c.onStatus)
	c.transport.Connect()

	c.renderUI()
	return nil
}

func (c *App) Stop() {
	c.transport.Close()
}

const preKeyPoolTarget = 50

// registerIfNeeded uploads key material on first run. Re-running the
// identity/signed uploads is harmless (wholesale replacement); the
// one-time batch is sized to top the server-side pool back up to the
// target, so reconnecting does not inflate it.
func (c *App) registerIfNeeded(ctx context.Context) error {
	batch := preKeyPoolTarget
	if remaining, err := c.api.PreKeyCount(ctx); err == nil {
		batch = preKeyPoolTarget - int(remaining)
		if batch < 0 {
			batch = 0
		}
	}
	material, err := c.keys.RegistrationMaterial(batch)
	if err != nil {
		return err
	}
	return c.api.Register(ctx, material)
}

func (c *App) openConversation(ctx context.Context) error {
	c.conversationID = conversationIDFor(c.userID, c.peerID)
	if _, err := c.api.CreateConversation(ctx, c.conversationID, c.peerID); err != nil {
		// already created by the other side is fine
		log.Debug("create conversation", zap.Error(err))
	}
	return nil
}

// conversationIDFor is deterministic for a pair, so both sides open the
// same conversation without coordination.
func conversationIDFor(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%s:%s", a, b)
}

// blocking function
func (c *App) renderUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.peerID))

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.status.SetText("[yellow]connecting...[-]")

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := c.input.GetText()
			if text == "" {
				return
			}
			c.input.SetText("")
			go c.sendMessage(text)
		}
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.status, 1, 0, false).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	if err := c.app.SetRoot(layout, true).SetFocus(c.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

func (c *App) sendMessage(text string) {
	c.appendLine(fmt.Sprintf("[yellow]You (pending):[-] %s", text))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := c.keys.EncryptForConversation(ctx, c.conversationID, []byte(text))
	if err != nil {
		c.appendLine(fmt.Sprintf("[red]encrypt failed: %v[-]", err))
		return
	}

	err = c.transport.Send(ctx, model.TypeNewMessage, c.conversationID, newMessagePayload{
		ID:               uuid.NewString(),
		RecipientID:      c.peerID,
		EncryptedContent: payload.EncryptedContent,
		IV:               payload.IV,
	})
	if err != nil {
		c.appendLine(fmt.Sprintf("[red]send failed: %v[-]", err))
		return
	}
	c.appendLine(fmt.Sprintf("[yellow]You:[-] %s", text))
}

type newMessagePayload struct {
	ID               string `json:"id"`
	SenderID         string `json:"sender_id,omitempty"`
	RecipientID      string `json:"recipient_id"`
	MessageNumber    int64  `json:"message_number,omitempty"`
	EncryptedContent string `json:"encrypted_content,omitempty"`
	IV               string `json:"iv,omitempty"`
	Content          string `json:"content,omitempty"`
}

func (c *App) onNewMessage(env *model.Envelope) {
	var data newMessagePayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		log.Error("bad new_message payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text, err := c.reconciler.AbsorbLive(ctx, &model.PendingMessage{
		ID:               data.ID,
		ConversationID:   env.ConversationID,
		SenderID:         data.SenderID,
		RecipientID:      c.userID,
		MessageNumber:    data.MessageNumber,
		EncryptedContent: data.EncryptedContent,
		IV:               data.IV,
		Content:          data.Content,
	})
	if err != nil {
		c.appendLine(fmt.Sprintf("[red]undecryptable message from %s: %v[-]", data.SenderID, err))
		return
	}

	c.appendLine(fmt.Sprintf("[green]%s:[-] %s", data.SenderID, text))

	// receipt for the sender's UI; best effort
	err = c.transport.Send(ctx, model.TypeMessageDelivered, env.ConversationID, deliveredPayload{
		ID:          data.ID,
		RecipientID: data.SenderID,
	})
	if err != nil {
		log.Debug("delivery receipt not sent", zap.String("message_id", data.ID), zap.Error(err))
	}
}

type deliveredPayload struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
}

func (c *App) onDelivered(env *model.Envelope) {
	var data deliveredPayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return
	}
	c.appendLine(fmt.Sprintf("[blue]delivered: %s[-]", data.ID))
}

func (c *App) onPresence(online bool) transport.Handler {
	return func(env *model.Envelope) {
		var data struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil || data.UserID != c.peerID {
			return
		}
		if online {
			c.appendLine(fmt.Sprintf("[blue]%s is online[-]", c.peerID))
		} else {
			c.appendLine(fmt.Sprintf("[blue]%s went offline[-]", c.peerID))
		}
	}
}

func (c *App) onStatus(state transport.State, terminalErr error) {
	text := ""
	switch {
	case terminalErr != nil:
		text = "[red]offline (reconnect gave up)[-]"
	case state == transport.StateConnected:
		text = "[green]connected[-]"
		go c.syncPending()
	case state == transport.StateConnecting:
		text = "[yellow]connecting...[-]"
	case state == transport.StateDisconnected:
		text = "[red]disconnected[-]"
	default:
		return
	}
	c.app.QueueUpdateDraw(func() {
		c.status.SetText(text)
	})
}

// syncPending runs the reconciliation pass after every connect.
func (c *App) syncPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := c.reconciler.SyncPendingMessages(ctx, "")
	if err != nil {
		log.Error("pending sync failed", zap.Error(err))
		return
	}
	if report.SyncedCount > 0 {
		c.appendLine(fmt.Sprintf("[blue]recovered %d missed message(s)[-]", report.SyncedCount))
	}
}

func (c *App) appendLine(line string) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, "%s\n", line)
		c.chatbox.ScrollToEnd()
	})
}
