package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/argus/relay/internal/broker"
	"github.com/darkden-lab/argus/relay/internal/config"
	"github.com/darkden-lab/argus/relay/internal/logger"
	"github.com/darkden-lab/argus/relay/internal/metrics"
	"github.com/darkden-lab/argus/relay/internal/notifications"
	"github.com/darkden-lab/argus/relay/internal/notifications/channels"
	"github.com/darkden-lab/argus/relay/internal/status"
	"github.com/darkden-lab/argus/relay/internal/subscriber"
)

type options struct {
	configPath  string
	brokerKind  string
	brokerURL   string
	topic       string
	sinkKind    string
	destination string
	overflow    string
	statusAddr  string
	logLevel    string
	noColor     bool
}

// loadConfig layers the command line flags over the file and environment.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Broker.Kind, opts.brokerKind)
	set(&cfg.Broker.URL, opts.brokerURL)
	set(&cfg.Broker.Topic, opts.topic)
	set(&cfg.Sink.Kind, opts.sinkKind)
	set(&cfg.Sink.Destination, opts.destination)
	set(&cfg.Relay.Overflow, opts.overflow)
	set(&cfg.Log.Level, opts.logLevel)
	if opts.statusAddr == "off" {
		cfg.StatusAddr = ""
	} else {
		set(&cfg.StatusAddr, opts.statusAddr)
	}
	if opts.noColor {
		cfg.Log.Color = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// relay holds the wired components of one process run.
type relay struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	queue      *notifications.Queue
	controller *subscriber.Controller
	status     *status.Server
	feed       *status.Hub
}

// relayEvent is the feed payload for one relay attempt.
type relayEvent struct {
	Topic     string `json:"topic"`
	Bytes     int    `json:"bytes"`
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

func build(cfg *config.Config, log *slog.Logger) (*relay, error) {
	m := metrics.New()

	var feed *status.Hub
	if cfg.StatusAddr != "" {
		feed = status.NewHub(log)
	}

	factory, err := broker.NewFactory(cfg.Broker.Kind)
	if err != nil {
		return nil, err
	}

	sink, err := channels.New("sink", channels.Config{
		Kind:       cfg.Sink.Kind,
		Token:      cfg.Sink.Token,
		WebhookURL: cfg.Sink.WebhookURL,
		Template:   cfg.Sink.Template,
		Headers:    cfg.Sink.Headers,
		Timeout:    cfg.Sink.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create sink: %w", err)
	}

	overflow, err := notifications.ParseOverflowPolicy(cfg.Relay.Overflow)
	if err != nil {
		return nil, err
	}

	pipeline := notifications.NewPipeline(sink, cfg.Sink.Destination, notifications.PipelineOptions{
		Rate:    cfg.Relay.Rate,
		Burst:   cfg.Relay.Burst,
		Timeout: cfg.Sink.Timeout,
		Logger:  log,
		Metrics: m,
		OnOutcome: func(msg *broker.Message, out notifications.Outcome) {
			if feed == nil || msg == nil {
				return
			}
			feed.Publish(status.EventRelay, relayEvent{
				Topic:     msg.Topic,
				Bytes:     len(msg.Payload),
				Delivered: out.Delivered(),
				Reason:    out.Reason(),
			})
		},
	})
	queue := notifications.NewQueue(pipeline, notifications.QueueConfig{
		Size:     cfg.Relay.QueueSize,
		Overflow: overflow,
		Workers:  cfg.Relay.Workers,
	}, log, m)

	controller := subscriber.New(subscriber.Config{
		Topic: cfg.Broker.Topic,
		Properties: broker.Properties{
			URL:      cfg.Broker.URL,
			VPN:      cfg.Broker.VPN,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			ClientID: cfg.Broker.ClientID,
		},
		SubscribeTimeout: cfg.Broker.SubscribeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		OnStatus: func(st subscriber.Status) {
			if feed != nil {
				feed.Publish(status.EventStatus, st)
			}
		},
	}, factory, queue, log, m)

	r := &relay{
		cfg:        cfg,
		logger:     log,
		metrics:    m,
		queue:      queue,
		controller: controller,
		feed:       feed,
	}
	if cfg.StatusAddr != "" {
		r.status = status.NewServer(cfg.StatusAddr, controller, m, feed, 20, 40, log)
	}
	return r, nil
}

// serve runs until ctx is cancelled and the controller has shut down. Errors
// met while stopping are logged; the process still exits cleanly.
func (r *relay) serve(ctx context.Context) {
	r.queue.Start(context.Background())

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	if r.feed != nil {
		go r.feed.Run(feedCtx)
	}

	if r.status != nil {
		go func() {
			if err := r.status.Serve(); err != nil {
				r.logger.Error("Status server failed", "error", err)
			}
		}()
	}

	r.logger.Info("Starting relay",
		"broker", r.cfg.Broker.Kind,
		"topic", r.cfg.Broker.Topic,
		"sink", r.cfg.Sink.Kind,
		"destination", r.cfg.Sink.Destination,
	)
	if err := r.controller.Run(ctx); err != nil {
		r.logger.Error("Controller stopped with error", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	if err := r.queue.Close(stopCtx); err != nil {
		r.logger.Warn("Relay queue not drained", "pending", r.queue.Len(), "error", err)
	}
	stopFeed()
	if r.status != nil {
		if err := r.status.Shutdown(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("Status server shutdown failed", "error", err)
		}
	}
	r.logger.Info("Relay stopped")
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, level, cfg.Log.Color)
	slog.SetDefault(log)

	r, err := build(cfg, log)
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.Broker.Kind, "memory") {
		log.Warn("Using the in-process memory broker; nothing external will be received")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.serve(ctx)
	return nil
}
