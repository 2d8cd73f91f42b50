package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TelegramConfig holds the configuration for a Telegram Bot channel.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
}

// TelegramChannel sends messages via the Telegram Bot API. The destination
// passed to Send is the chat ID (channel, group, or user).
type TelegramChannel struct {
	name    string
	config  TelegramConfig
	client  *http.Client
	baseURL string // overridable for testing
}

// NewTelegramChannel creates a TelegramChannel from the given config.
func NewTelegramChannel(name string, config TelegramConfig, client *http.Client) (*TelegramChannel, error) {
	if config.BotToken == "" {
		return nil, fmt.Errorf("bot_token is required for Telegram channel")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &TelegramChannel{
		name:    name,
		config:  config,
		client:  client,
		baseURL: "https://api.telegram.org",
	}, nil
}

func (c *TelegramChannel) Send(ctx context.Context, destination, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.config.BotToken)

	body, err := json.Marshal(map[string]interface{}{
		"chat_id": destination,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram api returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *TelegramChannel) Name() string { return c.name }
func (c *TelegramChannel) Type() string { return "telegram" }
