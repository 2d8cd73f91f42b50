package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnknownKind is returned by New for an unsupported channel kind.
var ErrUnknownKind = errors.New("channels: unknown kind")

// Channel delivers relayed text to an external chat destination (Slack,
// Telegram, Teams or a generic webhook).
type Channel interface {
	// Send delivers text to destination. The meaning of destination is
	// channel specific: a Slack conversation ID, a Telegram chat ID, or an
	// opaque value forwarded to a webhook.
	Send(ctx context.Context, destination, text string) error

	// Name returns the human-readable name of this channel instance.
	Name() string

	// Type returns the channel type identifier (e.g. "slack", "webhook").
	Type() string
}

// Config selects and configures a Channel.
type Config struct {
	Kind string
	// Token is the Slack or Telegram bot token.
	Token string
	// WebhookURL is used by the teams and webhook kinds. Template and
	// Headers apply to the webhook kind only.
	WebhookURL string
	Template   string
	Headers    map[string]string
	// Timeout bounds each HTTP call; 0 means no client timeout.
	Timeout time.Duration
}

// New builds the Channel described by cfg.
func New(name string, cfg Config) (Channel, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "slack":
		return NewSlackChannel(name, SlackConfig{Token: cfg.Token}, client), nil
	case "telegram":
		ch, err := NewTelegramChannel(name, TelegramConfig{BotToken: cfg.Token}, client)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "teams":
		ch, err := NewTeamsChannel(name, TeamsConfig{WebhookURL: cfg.WebhookURL}, client)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "webhook":
		ch, err := NewWebhookChannel(name, WebhookConfig{
			URL:             cfg.WebhookURL,
			Headers:         cfg.Headers,
			PayloadTemplate: cfg.Template,
		}, client)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
