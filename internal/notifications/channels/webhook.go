package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// WebhookConfig holds the configuration for a generic webhook channel.
type WebhookConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`           // POST or PUT (default POST)
	Headers         map[string]string `json:"headers"`          // custom headers
	PayloadTemplate string            `json:"payload_template"` // Go template for the body
}

// WebhookChannel sends relayed text to an arbitrary HTTP endpoint.
type WebhookChannel struct {
	name   string
	config WebhookConfig
	client *http.Client
	tmpl   *template.Template
}

// webhookData is the value the payload template is executed with.
type webhookData struct {
	Destination string
	Text        string
	Timestamp   time.Time
}

// NewWebhookChannel creates a WebhookChannel from the given config.
func NewWebhookChannel(name string, config WebhookConfig, client *http.Client) (*WebhookChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url is required for webhook channel")
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	config.Method = strings.ToUpper(config.Method)
	if client == nil {
		client = &http.Client{}
	}

	ch := &WebhookChannel{
		name:   name,
		config: config,
		client: client,
	}

	if config.PayloadTemplate != "" {
		tmpl, err := template.New("webhook").Funcs(template.FuncMap{
			"json": jsonString,
		}).Parse(config.PayloadTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid payload template: %w", err)
		}
		ch.tmpl = tmpl
	}

	return ch, nil
}

func (c *WebhookChannel) Send(ctx context.Context, destination, text string) error {
	data := webhookData{
		Destination: destination,
		Text:        text,
		Timestamp:   time.Now().UTC(),
	}

	var body []byte
	if c.tmpl != nil {
		var buf bytes.Buffer
		if err := c.tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("execute payload template: %w", err)
		}
		body = buf.Bytes()
	} else {
		var err error
		body, err = json.Marshal(map[string]string{
			"destination": data.Destination,
			"text":        data.Text,
			"timestamp":   data.Timestamp.Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("marshal default payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, c.config.Method, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) Name() string { return c.name }
func (c *WebhookChannel) Type() string { return "webhook" }

// jsonString quotes s as a JSON string literal for use inside templates.
func jsonString(s string) (string, error) {
	b, err := json.Marshal(s)
	return string(b), err
}
