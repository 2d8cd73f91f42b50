package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SlackConfig holds the configuration for a Slack Web API channel.
type SlackConfig struct {
	Token string `json:"token"` // bot token, xoxb-...
}

// SlackChannel posts messages with the Slack Web API chat.postMessage method.
type SlackChannel struct {
	name    string
	config  SlackConfig
	client  *http.Client
	baseURL string // overridable for testing
}

// NewSlackChannel creates a SlackChannel. The token is not checked here; a
// missing or revoked token is reported by the API on the first delivery.
func NewSlackChannel(name string, config SlackConfig, client *http.Client) *SlackChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &SlackChannel{
		name:    name,
		config:  config,
		client:  client,
		baseURL: "https://slack.com/api",
	}
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *SlackChannel) Send(ctx context.Context, destination, text string) error {
	body, err := json.Marshal(map[string]string{
		"channel": destination,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack api returned status %d", resp.StatusCode)
	}

	// The Web API reports most failures with HTTP 200 and ok=false.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read slack response: %w", err)
	}
	var sr slackResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !sr.OK {
		return fmt.Errorf("slack api error: %s", sr.Error)
	}
	return nil
}

func (c *SlackChannel) Name() string { return c.name }
func (c *SlackChannel) Type() string { return "slack" }
