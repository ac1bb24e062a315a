package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/foresta/internal/retry"
)

const (
	defaultTelegramURL = "https://api.telegram.org"
	maxTelegramText    = 4096
)

// Telegram posts messages to one chat through the Bot API sendMessage method.
type Telegram struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
	Retry   retry.Policy
	Sleep   func(context.Context, time.Duration) error
}

// NewTelegram returns a notifier for chatID. An empty baseURL selects the
// public Bot API.
func NewTelegram(token, chatID, baseURL string) (*Telegram, error) {
	token = strings.TrimSpace(token)
	chatID = strings.TrimSpace(chatID)
	if token == "" || chatID == "" {
		return nil, errors.New("telegram: bot token and chat id are required")
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultTelegramURL
	}
	return &Telegram{
		Token:   token,
		ChatID:  chatID,
		BaseURL: base,
		Client:  &http.Client{Timeout: 15 * time.Second},
		Retry:   retry.Generative(),
	}, nil
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// APIError is a rejected Bot API call.
type APIError struct {
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: status %d: %s", e.StatusCode, e.Description)
}

// Retryable reports whether the call may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (t *Telegram) Notify(ctx context.Context, message string) error {
	text := message
	if r := []rune(text); len(r) > maxTelegramText {
		text = string(r[:maxTelegramText])
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: t.ChatID, Text: text, ParseMode: "Markdown"})
	if err != nil {
		return fmt.Errorf("telegram: encode request: %w", err)
	}
	opts := []retry.Option{
		retry.WithSeed("telegram:" + t.ChatID),
		retry.WithClassifier(func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Retryable()
			}
			return true
		}),
	}
	if t.Sleep != nil {
		opts = append(opts, retry.WithSleep(t.Sleep))
	}
	return retry.Do(ctx, t.Retry, func(ctx context.Context) error {
		return t.send(ctx, body)
	}, opts...)
}

func (t *Telegram) send(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("telegram: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode/100 != 2 || !out.OK {
		desc := strings.TrimSpace(out.Description)
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Description: desc}
	}
	return nil
}
