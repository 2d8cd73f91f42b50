package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const defaultConsumerGroup = "topic-relay"

// KafkaSession implements Session on top of segmentio/kafka-go. Kafka has no
// subscription acknowledgments, so they are synthesized: a subscription is
// confirmed once the topic's partitions could be read.
type KafkaSession struct {
	brokers []string
	group   string
	dialer  *kafka.Dialer
	emit    Emitter
	log     *slog.Logger

	mu        sync.Mutex
	connected bool
	disposed  bool
	readers   map[string]*kafkaSubscription // topic -> subscription
	ctx       context.Context
	cancel    context.CancelFunc
	emitMu    sync.Mutex
}

type kafkaSubscription struct {
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaSession is a Factory for Kafka sessions. props.URL is a comma
// separated list of broker addresses.
func NewKafkaSession(props Properties, emit Emitter) (Session, error) {
	brokers := splitBrokers(props.URL)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}

	group := props.VPN
	if group == "" {
		group = defaultConsumerGroup
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		ClientID:  props.ClientID,
	}
	if props.Username != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: props.Username,
			Password: props.Password,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaSession{
		brokers: brokers,
		group:   group,
		dialer:  dialer,
		emit:    emit,
		log:     slog.Default().With("component", "kafka"),
		readers: make(map[string]*kafkaSubscription),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *KafkaSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}

	s.goAsync(func(ctx context.Context) {
		conn, err := s.dialer.DialContext(ctx, "tcp", s.brokers[0])
		if err != nil {
			s.send(Event{Kind: EventConnectFailed, Info: err.Error()})
			return
		}
		conn.Close()

		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.send(Event{Kind: EventUp})
	})
	return nil
}

func (s *KafkaSession) Subscribe(topic, correlationKey string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if !s.connected {
		return fmt.Errorf("session not connected")
	}
	if _, ok := s.readers[topic]; ok {
		return fmt.Errorf("already subscribed to %s", topic)
	}

	s.goAsync(func(ctx context.Context) {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := s.checkTopic(checkCtx, topic); err != nil {
			s.send(Event{Kind: EventSubscriptionError, CorrelationKey: correlationKey, Info: err.Error()})
			return
		}

		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  s.brokers,
			Topic:    topic,
			GroupID:  s.group,
			Dialer:   s.dialer,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			MaxWait:  500 * time.Millisecond,
		})
		subCtx, subCancel := context.WithCancel(ctx)
		sub := &kafkaSubscription{
			topic:  topic,
			reader: reader,
			cancel: subCancel,
			done:   make(chan struct{}),
		}

		s.mu.Lock()
		if s.disposed || !s.connected {
			s.mu.Unlock()
			subCancel()
			reader.Close()
			s.send(Event{Kind: EventSubscriptionError, CorrelationKey: correlationKey, Info: "session closed"})
			return
		}
		s.readers[topic] = sub
		s.mu.Unlock()

		s.send(Event{Kind: EventSubscriptionOK, CorrelationKey: correlationKey})
		s.consumeLoop(subCtx, sub)
	})
	return nil
}

func (s *KafkaSession) Unsubscribe(topic, correlationKey string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	sub, ok := s.readers[topic]
	if !ok {
		return fmt.Errorf("not subscribed to %s", topic)
	}
	delete(s.readers, topic)

	s.goAsync(func(ctx context.Context) {
		if err := s.stop(sub, timeout); err != nil {
			s.send(Event{Kind: EventSubscriptionError, CorrelationKey: correlationKey, Info: err.Error()})
			return
		}
		s.send(Event{Kind: EventSubscriptionOK, CorrelationKey: correlationKey})
	})
	return nil
}

func (s *KafkaSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	subs := s.readers
	s.readers = make(map[string]*kafkaSubscription)
	s.connected = false

	s.goAsync(func(ctx context.Context) {
		for _, sub := range subs {
			if err := s.stop(sub, 5*time.Second); err != nil {
				s.log.Warn("closing reader failed", "topic", sub.topic, "error", err)
			}
		}
		s.send(Event{Kind: EventDisconnected, Info: "disconnected by client"})
	})
	return nil
}

func (s *KafkaSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.connected = false
	subs := s.readers
	s.readers = make(map[string]*kafkaSubscription)
	s.cancel()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.reader.Close()
	}
}

func (s *KafkaSession) checkTopic(ctx context.Context, topic string) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.brokers[0])
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", topic)
	}
	return nil
}

func (s *KafkaSession) consumeLoop(ctx context.Context, sub *kafkaSubscription) {
	defer close(sub.done)

	for {
		msg, err := sub.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return // unsubscribed or shutting down
			}
			s.log.Warn("consumer error", "topic", sub.topic, "error", err)
			continue
		}

		meta := map[string]string{
			"Partition": strconv.Itoa(msg.Partition),
			"Offset":    strconv.FormatInt(msg.Offset, 10),
		}
		if len(msg.Key) > 0 {
			meta["Key"] = string(msg.Key)
		}
		for _, h := range msg.Headers {
			meta["Header "+h.Key] = string(h.Value)
		}

		received := msg.Time
		if received.IsZero() {
			received = time.Now()
		}
		s.send(Event{Kind: EventMessage, Message: &Message{
			Topic:      msg.Topic,
			Payload:    msg.Value,
			Metadata:   meta,
			ReceivedAt: received.UTC(),
		}})
	}
}

func (s *KafkaSession) stop(sub *kafkaSubscription, timeout time.Duration) error {
	sub.cancel()
	select {
	case <-sub.done:
	case <-time.After(timeout):
		return fmt.Errorf("timed out stopping consumer for %s", sub.topic)
	}
	return sub.reader.Close()
}

// goAsync runs fn on its own goroutine with the session context. The
// goroutine ends when fn returns or the session is disposed.
func (s *KafkaSession) goAsync(fn func(ctx context.Context)) {
	go fn(s.ctx)
}

// send serializes emission so the Emitter sees one event at a time.
func (s *KafkaSession) send(ev Event) {
	if s.ctx.Err() != nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emit(ev)
}

func splitBrokers(url string) []string {
	var brokers []string
	for _, b := range strings.Split(url, ",") {
		b = strings.TrimSpace(b)
		b = strings.TrimPrefix(b, "kafka://")
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
