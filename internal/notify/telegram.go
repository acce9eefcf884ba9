// Package notify turns order and position events into Telegram messages for
// linked wallets, gated by each user's notification settings.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const telegramAPIBase = "https://api.telegram.org"

// Sender delivers one message to a chat. Satisfied by Telegram; tests
// substitute a recorder.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	Enabled() bool
}

// Telegram is a minimal bot-API client. A zero token disables it: every
// send becomes a silent no-op and Enabled reports false.
type Telegram struct {
	http    *retryablehttp.Client
	baseURL string
	token   string
	logger  *slog.Logger
}

// NewTelegram creates the client. Transient bot-API failures are retried
// with backoff by the underlying HTTP client.
func NewTelegram(token string, logger *slog.Logger) *Telegram {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Telegram{
		http:    client,
		baseURL: telegramAPIBase,
		token:   token,
		logger:  logger.With("component", "telegram"),
	}
}

// Enabled reports whether a bot token is configured.
func (t *Telegram) Enabled() bool { return t.token != "" }

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// SendMessage posts one Markdown message to a chat.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	if !t.Enabled() {
		return nil
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram api rejected message: %s", out.Description)
	}
	return nil
}
