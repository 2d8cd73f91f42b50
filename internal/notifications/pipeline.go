package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/darkden-lab/argus/relay/internal/broker"
	"github.com/darkden-lab/argus/relay/internal/metrics"
	"github.com/darkden-lab/argus/relay/internal/notifications/channels"
)

// Outcome is the result of one relay attempt. The zero value is Delivered.
type Outcome struct {
	failed bool
	reason string
}

// Delivered reports a successful relay.
func Delivered() Outcome { return Outcome{} }

// Failed reports a relay that did not reach the channel.
func Failed(reason string) Outcome { return Outcome{failed: true, reason: reason} }

func (o Outcome) Delivered() bool { return !o.failed }

// Reason is empty for delivered outcomes.
func (o Outcome) Reason() string { return o.reason }

func (o Outcome) String() string {
	if !o.failed {
		return metrics.OutcomeDelivered
	}
	return fmt.Sprintf("%s: %s", metrics.OutcomeFailed, o.reason)
}

// PipelineOptions tunes a Pipeline. Zero values select the defaults.
type PipelineOptions struct {
	// Rate is the maximum number of deliveries per second; 0 disables limiting.
	Rate float64
	// Burst is the limiter bucket size. Defaults to 1 when Rate is set.
	Burst int
	// Timeout bounds a single Channel.Send call; 0 leaves it to the channel.
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnOutcome, if set, observes every relay attempt.
	OnOutcome func(msg *broker.Message, out Outcome)
}

// Pipeline relays message payloads to one destination on a Channel. A relay
// attempt never returns an error: failures are logged, counted and reported
// as a Failed outcome.
type Pipeline struct {
	channel     channels.Channel
	destination string
	limiter     *rate.Limiter
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	onOutcome   func(*broker.Message, Outcome)
}

// NewPipeline creates a Pipeline delivering to destination through ch.
func NewPipeline(ch channels.Channel, destination string, opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return &Pipeline{
		channel:     ch,
		destination: destination,
		limiter:     limiter,
		timeout:     opts.Timeout,
		logger:      logger.With("component", "relay", "channel", ch.Type()),
		metrics:     opts.Metrics,
		onOutcome:   opts.OnOutcome,
	}
}

// Relay makes one delivery attempt for msg. It is safe for concurrent use.
func (p *Pipeline) Relay(ctx context.Context, msg *broker.Message) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Sprintf("panic: %v", r))
			p.logger.Error("Relay panicked", "panic", r)
		}
		p.metrics.Delivery(outcomeLabel(out), time.Since(start).Seconds())
		if p.onOutcome != nil {
			p.onOutcome(msg, out)
		}
	}()

	if msg == nil {
		return Failed("empty message")
	}
	text := msg.Text()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Warn("Relay skipped", "error", err)
			return Failed(err.Error())
		}
	}

	sendCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.channel.Send(sendCtx, p.destination, text); err != nil {
		p.logger.Error("Failed to relay message", "destination", p.destination, "error", err)
		return Failed(err.Error())
	}

	p.logger.Info("Message relayed", "destination", p.destination, "bytes", len(msg.Payload))
	return Delivered()
}

func outcomeLabel(o Outcome) string {
	if o.Delivered() {
		return metrics.OutcomeDelivered
	}
	return metrics.OutcomeFailed
}
