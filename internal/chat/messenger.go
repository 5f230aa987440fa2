package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/chatgate/internal/retry"
)

// Messenger sends outbound messages to a chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendTyping(ctx context.Context, chatID string) error
}

const sendTimeout = 5 * time.Second

// Flood-control waits longer than MaxDelay are not worth holding a chat for.
var sendPolicy = retry.Policy{Attempts: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: 3 * time.Second}

// TelegramMessenger talks to the Telegram Bot API.
type TelegramMessenger struct {
	baseURL string
	client  *http.Client
}

var _ Messenger = (*TelegramMessenger)(nil)

// NewTelegramMessenger creates a messenger for the bot identified by token.
// apiURL defaults to the public Bot API host when empty.
func NewTelegramMessenger(apiURL, token string) *TelegramMessenger {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &TelegramMessenger{
		baseURL: strings.TrimRight(apiURL, "/") + "/bot" + token,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

// SendMessage posts text to chatID.
func (t *TelegramMessenger) SendMessage(ctx context.Context, chatID, text string) error {
	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
}

// SendTyping shows the typing indicator in chatID.
func (t *TelegramMessenger) SendTyping(ctx context.Context, chatID string) error {
	return t.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramMessenger) call(ctx context.Context, method string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	return retry.Do(ctx, sendPolicy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		defer func() { _ = resp.Body.Close() }()

		var out apiResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests && out.Parameters.RetryAfter > 0:
			return retry.After(fmt.Errorf("%s: %s", method, out.Description),
				time.Duration(out.Parameters.RetryAfter)*time.Second)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%s: status %d", method, resp.StatusCode)
		case resp.StatusCode >= 300:
			return retry.Permanent(fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, out.Description))
		case !out.OK:
			return retry.Permanent(fmt.Errorf("%s: %s", method, out.Description))
		}
		return nil
	})
}
