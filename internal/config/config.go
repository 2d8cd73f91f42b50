// Package config loads the relay configuration from an optional YAML file
// and the environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker          BrokerConfig  `yaml:"broker"`
	Sink            SinkConfig    `yaml:"sink"`
	Relay           RelayConfig   `yaml:"relay"`
	Log             LogConfig     `yaml:"log"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StatusAddr      string        `yaml:"status_addr"` // empty disables the status server
}

type BrokerConfig struct {
	Kind             string        `yaml:"kind"` // mqtt, kafka or memory
	URL              string        `yaml:"url"`
	VPN              string        `yaml:"vpn"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	ClientID         string        `yaml:"client_id"`
	Topic            string        `yaml:"topic"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
}

type SinkConfig struct {
	Kind        string            `yaml:"kind"` // slack, telegram, teams or webhook
	Token       string            `yaml:"token"`
	Destination string            `yaml:"destination"`
	WebhookURL  string            `yaml:"webhook_url"`
	Template    string            `yaml:"template"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
}

type RelayConfig struct {
	QueueSize int     `yaml:"queue_size"`
	Overflow  string  `yaml:"overflow"` // block, drop-oldest or reject
	Workers   int     `yaml:"workers"`
	Rate      float64 `yaml:"rate"` // deliveries per second, 0 = unlimited
	Burst     int     `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:             "mqtt",
			Topic:            "services/blogService",
			SubscribeTimeout: 10 * time.Second,
		},
		Sink: SinkConfig{
			Kind:    "slack",
			Timeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			QueueSize: 256,
			Overflow:  "block",
			Workers:   1,
			Rate:      1,
			Burst:     5,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
		ShutdownTimeout: 5 * time.Second,
		StatusAddr:      ":8081",
	}
}

// Load reads the YAML file at path, when path is not empty, over the
// defaults and then applies the environment. Broker and sink credentials
// are not checked here; bad ones surface when connecting or delivering.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "topic-relay-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Broker.Kind = getEnv("BROKER_KIND", c.Broker.Kind)
	c.Broker.URL = getEnv("BROKER_URL", getEnv("SOLACE_URL", c.Broker.URL))
	c.Broker.VPN = getEnv("BROKER_VPN", getEnv("SOLACE_VPN", c.Broker.VPN))
	c.Broker.Username = getEnv("BROKER_USERNAME", getEnv("SOLACE_USERNAME", c.Broker.Username))
	c.Broker.Password = getEnv("BROKER_PASSWORD", getEnv("SOLACE_PASS", c.Broker.Password))
	c.Broker.ClientID = getEnv("BROKER_CLIENT_ID", c.Broker.ClientID)
	c.Broker.Topic = getEnv("BROKER_TOPIC", c.Broker.Topic)

	c.Sink.Kind = getEnv("SINK_KIND", c.Sink.Kind)
	if strings.EqualFold(c.Sink.Kind, "telegram") {
		c.Sink.Token = getEnv("SINK_TOKEN", getEnv("TELEGRAM_BOT_TOKEN", c.Sink.Token))
	} else {
		c.Sink.Token = getEnv("SINK_TOKEN", getEnv("SLACK_TOKEN", c.Sink.Token))
	}
	c.Sink.Destination = getEnv("SINK_DESTINATION", getEnv("SLACK_CHANNEL_ID", c.Sink.Destination))
	c.Sink.WebhookURL = getEnv("SINK_WEBHOOK_URL", c.Sink.WebhookURL)

	c.Relay.Overflow = getEnv("RELAY_OVERFLOW", c.Relay.Overflow)
	c.StatusAddr = getEnv("STATUS_ADDR", c.StatusAddr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envDuration("BROKER_SUBSCRIBE_TIMEOUT", &c.Broker.SubscribeTimeout))
	collect(envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout))
	collect(envDuration("SINK_TIMEOUT", &c.Sink.Timeout))
	collect(envInt("RELAY_QUEUE_SIZE", &c.Relay.QueueSize))
	collect(envInt("RELAY_WORKERS", &c.Relay.Workers))
	collect(envInt("RELAY_BURST", &c.Relay.Burst))
	collect(envFloat("RELAY_RATE", &c.Relay.Rate))
	collect(envBool("LOG_COLOR", &c.Log.Color))
	return errors.Join(errs...)
}

// Validate checks the values that cannot be deferred to connect time.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Broker.Kind) {
	case "mqtt", "kafka", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown broker kind %q", c.Broker.Kind))
	}
	switch strings.ToLower(c.Sink.Kind) {
	case "slack", "telegram", "teams", "webhook":
	default:
		errs = append(errs, fmt.Errorf("unknown sink kind %q", c.Sink.Kind))
	}
	if c.Broker.Topic == "" {
		errs = append(errs, errors.New("broker topic is required"))
	}
	if c.Broker.SubscribeTimeout <= 0 {
		errs = append(errs, errors.New("broker subscribe timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Relay.QueueSize < 1 {
		errs = append(errs, errors.New("relay queue size must be at least 1"))
	}
	if c.Relay.Workers < 1 {
		errs = append(errs, errors.New("relay workers must be at least 1"))
	}
	if c.Relay.Rate < 0 {
		errs = append(errs, errors.New("relay rate must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
