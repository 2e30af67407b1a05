package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaiso/xdispatch/internal/mq"
)

// DefaultTelegramURL — адрес Bot API.
const DefaultTelegramURL = "https://api.telegram.org"

// ErrNoToken — TELEGRAM_BOT_TOKEN не задан.
var ErrNoToken = errors.New("telegram bot token is not configured")

// TelegramConfig — конфигурация Telegram.
type TelegramConfig struct {
	Token string

	// BaseURL — адрес Bot API (default: DefaultTelegramURL).
	BaseURL string

	// HTTPClient (default: клиент с таймаутом 10s).
	HTTPClient *http.Client
}

// Telegram отправляет сообщения через Bot API.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegram создаёт Telegram.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		token:   cfg.Token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// SendMessage отправляет text (MarkdownV2) в чат.
//
// Ответы 4xx, кроме 429, означают, что повтор не поможет (чат удалён,
// бот заблокирован, текст невалиден): такие ошибки оборачивают
// mq.ErrPermanent.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := t.baseURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// Ошибка содержит URL с токеном.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("send message: %w", uerr.Err)
		}
		return errors.New("send message: request failed")
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if result.OK {
		return nil
	}

	apiErr := fmt.Errorf("telegram api: %d %s", result.ErrorCode, result.Description)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", mq.ErrPermanent, apiErr)
	}
	return apiErr
}
