package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// TeamsConfig holds the configuration for a Microsoft Teams webhook channel.
type TeamsConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// TeamsChannel posts messages to a Teams Incoming Webhook as Adaptive Cards.
// The webhook URL identifies the Teams channel; a non-empty destination is
// shown as the card title.
type TeamsChannel struct {
	name   string
	config TeamsConfig
	client *http.Client
}

// NewTeamsChannel creates a TeamsChannel from the given config.
func NewTeamsChannel(name string, config TeamsConfig, client *http.Client) (*TeamsChannel, error) {
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook_url is required for Teams channel")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &TeamsChannel{
		name:   name,
		config: config,
		client: client,
	}, nil
}

func (c *TeamsChannel) Send(ctx context.Context, destination, text string) error {
	body, err := json.Marshal(buildTeamsPayload(destination, text))
	if err != nil {
		return fmt.Errorf("marshal teams payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("teams webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("teams webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *TeamsChannel) Name() string { return c.name }
func (c *TeamsChannel) Type() string { return "teams" }

func buildTeamsPayload(title, text string) map[string]interface{} {
	var body []map[string]interface{}
	if title != "" {
		body = append(body, map[string]interface{}{
			"type":   "TextBlock",
			"text":   title,
			"weight": "Bolder",
			"size":   "Medium",
		})
	}
	body = append(body, map[string]interface{}{
		"type": "TextBlock",
		"text": text,
		"wrap": true,
	})

	return map[string]interface{}{
		"type": "message",
		"attachments": []map[string]interface{}{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"type":    "AdaptiveCard",
					"version": "1.4",
					"body":    body,
				},
			},
		},
	}
}
