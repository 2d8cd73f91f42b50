package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/darkden-lab/argus/relay/internal/broker"
	"github.com/darkden-lab/argus/relay/internal/metrics"
)

var (
	// ErrQueueFull is returned by Enqueue under the reject policy when the
	// queue has no free slot.
	ErrQueueFull = errors.New("notifications: relay queue full")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("notifications: relay queue closed")
)

// OverflowPolicy decides what Enqueue does when the queue is full.
type OverflowPolicy string

const (
	// OverflowBlock makes Enqueue wait for a free slot.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest discards the oldest queued message to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	// OverflowReject fails Enqueue with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
)

// ParseOverflowPolicy accepts block, drop-oldest or reject. An empty string
// selects OverflowBlock.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverflowBlock, nil
	case OverflowBlock, OverflowDropOldest, OverflowReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

const (
	DefaultQueueSize    = 256
	DefaultQueueWorkers = 1
)

// QueueConfig sizes a Queue.
type QueueConfig struct {
	Size     int
	Overflow OverflowPolicy
	// Workers is the number of concurrent deliveries. With a single worker
	// messages are relayed in arrival order.
	Workers int
}

// Relayer performs one relay attempt. *Pipeline implements it.
type Relayer interface {
	Relay(ctx context.Context, msg *broker.Message) Outcome
}

// Queue is a bounded buffer between received messages and the Relayer.
type Queue struct {
	relayer Relayer
	cfg     QueueConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	items chan *broker.Message

	// mu serializes producers so the overflow policies see a stable queue.
	mu sync.Mutex

	closing   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a Queue feeding r. Call Start to begin delivering.
func NewQueue(r Relayer, cfg QueueConfig, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultQueueWorkers
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowBlock
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		relayer: r,
		cfg:     cfg,
		logger:  logger.With("component", "queue"),
		metrics: m,
		items:   make(chan *broker.Message, cfg.Size),
		closing: make(chan struct{}),
		stop:    make(chan struct{}),
		cancel:  func() {},
	}
}

// Start launches the delivery workers. Deliveries run under ctx; cancelling
// it aborts in-flight sends. Start is a no-op after the first call.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel

		for i := 0; i < q.cfg.Workers; i++ {
			q.wg.Add(1)
			go q.worker(runCtx)
		}
		q.logger.Info("Relay queue started", "size", q.cfg.Size, "workers", q.cfg.Workers, "overflow", string(q.cfg.Overflow))
	})
}

// Enqueue hands msg to the workers according to the overflow policy.
func (q *Queue) Enqueue(msg *broker.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.closing:
		return ErrQueueClosed
	default:
	}

	switch q.cfg.Overflow {
	case OverflowReject:
		select {
		case q.items <- msg:
		default:
			q.metrics.QueueDropped("rejected")
			return ErrQueueFull
		}

	case OverflowDropOldest:
		for {
			select {
			case q.items <- msg:
				q.metrics.QueueDepth(len(q.items))
				return nil
			default:
			}
			select {
			case old := <-q.items:
				q.metrics.QueueDropped("overflow")
				q.logger.Warn("Relay queue full, dropped oldest message", "topic", old.Topic, "bytes", len(old.Payload))
			default:
			}
		}

	default:
		select {
		case q.items <- msg:
		case <-q.closing:
			return ErrQueueClosed
		}
	}

	q.metrics.QueueDepth(len(q.items))
	return nil
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close stops intake and waits for the workers to deliver what is queued.
// If ctx expires first, in-flight deliveries are cancelled, the remaining
// messages are discarded and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		close(q.closing)
		// Wait out any producer still inside Enqueue.
		q.mu.Lock()
		close(q.stop)
		q.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case msg := <-q.items:
			q.deliver(ctx, msg)
		case <-q.stop:
			q.drain(ctx)
			return
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case msg := <-q.items:
			if ctx.Err() != nil {
				q.metrics.QueueDropped("shutdown")
				continue
			}
			q.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, msg *broker.Message) {
	q.metrics.QueueDepth(len(q.items))
	q.relayer.Relay(ctx, msg)
}
