package moderator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// Update is the subset of a Telegram update the webhook cares about.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// CallbackQuery is an inline-keyboard button press.
type CallbackQuery struct {
	ID      string           `json:"id"`
	From    User             `json:"from"`
	Message *CallbackMessage `json:"message,omitempty"`
	Data    string           `json:"data"`
}

// User identifies who pressed the button.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// CallbackMessage locates the message whose keyboard was pressed.
type CallbackMessage struct {
	MessageID int `json:"message_id"`
}

// ApprovalStore is the storage surface the webhook writes through.
type ApprovalStore interface {
	GetCheck(ctx context.Context, id string) (model.Check, error)
	SetApprovedForPublishing(ctx context.Context, id string, approved bool, approvedBy *string) error
}

// Webhook processes bot updates: approval toggles on community-note
// messages.
type Webhook struct {
	client *Client
	store  ApprovalStore
	logger *slog.Logger
}

// NewWebhook creates the update handler.
func NewWebhook(client *Client, store ApprovalStore, logger *slog.Logger) *Webhook {
	return &Webhook{client: client, store: store, logger: logger}
}

// parseCallback splits "action_checkId" button data. Check ids never contain
// underscores, so the first separator is unambiguous.
func parseCallback(data string) (action, checkID string, ok bool) {
	action, checkID, ok = strings.Cut(data, "_")
	if !ok || action == "" || checkID == "" {
		return "", "", false
	}
	return action, checkID, true
}

// HandleUpdate applies one update. Unknown actions and malformed data are
// acknowledged, never errors: Telegram retries failed webhooks and a bad
// button must not wedge the queue.
func (w *Webhook) HandleUpdate(ctx context.Context, update Update) error {
	cb := update.CallbackQuery
	if cb == nil {
		return nil
	}

	action, checkID, ok := parseCallback(cb.Data)
	if !ok {
		return w.ack(ctx, cb.ID, "Unknown action")
	}

	switch action {
	case "publish":
		return w.setApproval(ctx, cb, checkID, true)
	case "unpublish":
		return w.setApproval(ctx, cb, checkID, false)
	default:
		w.logger.Warn("unknown callback action", "action", action, "check_id", checkID)
		return w.ack(ctx, cb.ID, "Unknown action")
	}
}

func (w *Webhook) setApproval(ctx context.Context, cb *CallbackQuery, checkID string, approved bool) error {
	var approvedBy *string
	if approved {
		name := operatorName(cb.From)
		approvedBy = &name
	}

	if err := w.store.SetApprovedForPublishing(ctx, checkID, approved, approvedBy); err != nil {
		w.logger.Error("approval update failed", "check_id", checkID, "error", err)
		return w.ack(ctx, cb.ID, "Update failed, try again")
	}

	// Rewrite the keyboard so the button reflects the new state.
	if cb.Message != nil {
		check, err := w.store.GetCheck(ctx, checkID)
		if err != nil {
			w.logger.Warn("cannot refresh keyboard", "check_id", checkID, "error", err)
		} else if err := w.client.editReplyMarkup(ctx, cb.Message.MessageID, w.client.noteKeyboard(&check)); err != nil {
			w.logger.Warn("keyboard edit failed", "check_id", checkID, "error", err)
		}
	}

	text := "Unpublished"
	if approved {
		text = "Approved for publishing"
	}
	return w.ack(ctx, cb.ID, text)
}

func (w *Webhook) ack(ctx context.Context, queryID, text string) error {
	if !w.client.Enabled() {
		return nil
	}
	if err := w.client.answerCallback(ctx, queryID, text); err != nil {
		return fmt.Errorf("moderator: ack callback: %w", err)
	}
	return nil
}

func operatorName(u User) string {
	if u.Username != "" {
		return u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return fmt.Sprintf("telegram:%d", u.ID)
}
