// Package moderator posts check lifecycle updates to the moderators'
// Telegram channel and handles the approval buttons they click.
package moderator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

const defaultAPIBase = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client scoped to one channel.
// A client with no token is disabled: every notify call is a silent no-op
// returning message id 0, so local setups run without a bot.
type Client struct {
	baseURL    string
	token      string
	chatID     int64
	traceURL   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config configures the moderator channel client.
type Config struct {
	BotToken string
	ChatID   int64
	// TraceBaseURL is the observability UI prefix for per-check trace links,
	// e.g. "https://langfuse.example.com/trace". Empty omits the link button.
	TraceBaseURL string
	// APIBaseURL overrides the Telegram API host, for tests.
	APIBaseURL string
	Timeout    time.Duration
}

// New creates a channel client.
func New(cfg Config, logger *slog.Logger) *Client {
	base := cfg.APIBaseURL
	if base == "" {
		base = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
		traceURL:   strings.TrimRight(cfg.TraceBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled reports whether a bot token is configured.
func (c *Client) Enabled() bool {
	return c.token != ""
}

// InlineKeyboardButton is one button in a message's inline keyboard. Exactly
// one of URL and CallbackData is set.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is the reply_markup payload for inline keyboards.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID           int64                 `json:"chat_id"`
	Text             string                `json:"text"`
	ReplyToMessageID int                   `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	DisablePreview   bool                  `json:"disable_web_page_preview"`
}

type editMarkupRequest struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int                   `json:"message_id"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup"`
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type messageResult struct {
	MessageID int `json:"message_id"`
}

// call posts one Bot API method and decodes the result envelope.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("moderator: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("moderator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("moderator: send %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("moderator: %s status %d: %s", method, resp.StatusCode, string(raw))
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("moderator: decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("moderator: %s rejected: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("moderator: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) sendMessage(ctx context.Context, text string, replyTo int, markup *InlineKeyboardMarkup) (int, error) {
	var msg messageResult
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:           c.chatID,
		Text:             text,
		ReplyToMessageID: replyTo,
		ReplyMarkup:      markup,
		DisablePreview:   true,
	}, &msg)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) editReplyMarkup(ctx context.Context, messageID int, markup *InlineKeyboardMarkup) error {
	return c.call(ctx, "editMessageReplyMarkup", editMarkupRequest{
		ChatID:      c.chatID,
		MessageID:   messageID,
		ReplyMarkup: markup,
	}, nil)
}

func (c *Client) answerCallback(ctx context.Context, queryID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{
		CallbackQueryID: queryID,
		Text:            text,
	}, nil)
}

// NotifyNewCheck announces a newly created check. The returned message id
// threads all later messages for the check.
func (c *Client) NotifyNewCheck(ctx context.Context, check *model.Check) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "New check %s (%s)\n", check.ID, check.Type)
	if check.Text != nil {
		fmt.Fprintf(&b, "Text: %s\n", truncate(*check.Text, 500))
	}
	if check.ImageURL != nil {
		fmt.Fprintf(&b, "Image: %s\n", *check.ImageURL)
	}
	if check.Caption != nil {
		fmt.Fprintf(&b, "Caption: %s\n", truncate(*check.Caption, 300))
	}
	return c.sendMessage(ctx, b.String(), 0, nil)
}

// NotifyCompleted posts the generation outcome as a threaded reply. Completed
// checks carry the community note plus the approval keyboard; errors and
// unusable checks are plain status replies.
func (c *Client) NotifyCompleted(ctx context.Context, check *model.Check, isError bool) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	replyTo := 0
	if check.NotificationID != nil {
		replyTo = *check.NotificationID
	}

	if isError {
		text := fmt.Sprintf("Check %s failed: %s", check.ID, check.GenerationStatus)
		return c.sendMessage(ctx, text, replyTo, nil)
	}
	if check.GenerationStatus == model.GenerationUnusable {
		text := fmt.Sprintf("Check %s is unusable (video or inaccessible content).", check.ID)
		return c.sendMessage(ctx, text, replyTo, nil)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Community note for %s", check.ID)
	if check.Title != nil {
		fmt.Fprintf(&b, ": %s", *check.Title)
	}
	b.WriteString("\n\n")
	if check.ShortformResponse != nil && check.ShortformResponse.EN != nil {
		b.WriteString(*check.ShortformResponse.EN)
	}
	if check.ShortformResponse != nil && len(check.ShortformResponse.Links) > 0 {
		b.WriteString("\n\nSources:\n")
		for _, link := range check.ShortformResponse.Links {
			fmt.Fprintf(&b, "- %s\n", link)
		}
	}
	if check.IsControversial {
		b.WriteString("\nFlagged controversial: approval controls withheld.")
	}

	return c.sendMessage(ctx, b.String(), replyTo, c.noteKeyboard(check))
}

// NotifyNewlyAssessed announces that crowdsourced voting crossed the
// human-assessed threshold.
func (c *Client) NotifyNewlyAssessed(ctx context.Context, check *model.Check) error {
	if !c.Enabled() {
		return nil
	}
	text := fmt.Sprintf("Check %s is now human-assessed: %s", check.ID, check.CrowdsourcedCategory)
	_, err := c.sendMessage(ctx, text, c.threadAnchor(check), nil)
	return err
}

// NotifyCategoryChange announces a crowdsourced category flip.
func (c *Client) NotifyCategoryChange(ctx context.Context, check *model.Check, from string) error {
	if !c.Enabled() {
		return nil
	}
	text := fmt.Sprintf("Check %s category changed: %s -> %s", check.ID, from, check.CrowdsourcedCategory)
	_, err := c.sendMessage(ctx, text, c.threadAnchor(check), nil)
	return err
}

// NotifyCommunityNoteDownvoted announces that voters turned against the note.
func (c *Client) NotifyCommunityNoteDownvoted(ctx context.Context, check *model.Check) error {
	if !c.Enabled() {
		return nil
	}
	text := fmt.Sprintf("Community note for %s was downvoted by voters. Review recommended.", check.ID)
	_, err := c.sendMessage(ctx, text, c.threadAnchor(check), nil)
	return err
}

// threadAnchor prefers the community-note message for replies, falling back
// to the original announcement.
func (c *Client) threadAnchor(check *model.Check) int {
	if check.CommunityNoteNotificationID != nil {
		return *check.CommunityNoteNotificationID
	}
	if check.NotificationID != nil {
		return *check.NotificationID
	}
	return 0
}

// noteKeyboard builds the inline keyboard for a community-note message:
// trace link plus the publish toggle. Controversial checks get the trace
// link only; publication stays a manual decision outside the bot.
func (c *Client) noteKeyboard(check *model.Check) *InlineKeyboardMarkup {
	var rows [][]InlineKeyboardButton
	if c.traceURL != "" {
		rows = append(rows, []InlineKeyboardButton{{
			Text: "View trace",
			URL:  fmt.Sprintf("%s/%s", c.traceURL, check.ID),
		}})
	}
	if !check.IsControversial {
		rows = append(rows, []InlineKeyboardButton{toggleButton(check.ID, check.IsApprovedForPublishing)})
	}
	if len(rows) == 0 {
		return nil
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

func toggleButton(checkID string, approved bool) InlineKeyboardButton {
	if approved {
		return InlineKeyboardButton{Text: "Unpublish", CallbackData: "unpublish_" + checkID}
	}
	return InlineKeyboardButton{Text: "Approve", CallbackData: "publish_" + checkID}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
