package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "topic-relay",
		Short: "Relay messages from a broker topic to a chat channel",
		Long: `topic-relay keeps a session open to a publish/subscribe broker (MQTT or Kafka),
subscribes to one topic and posts every message payload to Slack, Telegram, Teams or a
webhook.
Send SIGINT or SIGTERM to unsubscribe, disconnect and exit.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", os.Getenv("RELAY_CONFIG"), "Path to a YAML config file (env RELAY_CONFIG)")
	f.StringVar(&opts.brokerKind, "broker", "", "Broker kind: mqtt, kafka or memory")
	f.StringVar(&opts.brokerURL, "url", "", "Broker URL")
	f.StringVar(&opts.topic, "topic", "", "Topic to subscribe to")
	f.StringVar(&opts.sinkKind, "sink", "", "Sink kind: slack, telegram, teams or webhook")
	f.StringVar(&opts.destination, "destination", "", "Chat destination (Slack channel ID, Telegram chat ID)")
	f.StringVar(&opts.overflow, "overflow", "", "Relay queue overflow policy: block, drop-oldest or reject")
	f.StringVar(&opts.statusAddr, "status-addr", "", "Status server listen address; \"off\" disables it")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored log output")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}
