package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is a single-process broker hub. Sessions created through its
// Factory connect to it and receive messages published with Publish. It is
// suitable for development and tests.
type MemoryBroker struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	closed   bool

	// FailConnect, when set, makes every Connect emit EventConnectFailed.
	FailConnect bool
	// RejectTopics lists topics whose subscribe requests are refused.
	RejectTopics map[string]bool
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		sessions:     make(map[string]*memorySession),
		RejectTopics: make(map[string]bool),
	}
}

// Factory returns a Factory creating sessions attached to this broker.
func (b *MemoryBroker) Factory() Factory {
	return func(props Properties, emit Emitter) (Session, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.closed {
			return nil, fmt.Errorf("memory broker is closed")
		}

		s := &memorySession{
			id:      uuid.New().String(),
			broker:  b,
			props:   props,
			emit:    emit,
			topics:  make(map[string]bool),
			eventCh: make(chan Event, 1024),
			done:    make(chan struct{}),
		}
		b.sessions[s.id] = s
		go s.dispatch()
		return s, nil
	}
}

// Publish delivers payload to every connected session subscribed to topic.
func (b *MemoryBroker) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("memory broker is closed")
	}

	for _, s := range b.sessions {
		s.deliver(topic, payload)
	}
	return nil
}

// Drop simulates a transport failure: every connected session is torn down
// and emits EventDisconnected.
func (b *MemoryBroker) Drop(reason string) {
	b.mu.RLock()
	sessions := make([]*memorySession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		s.lose(reason)
	}
}

// Close disposes every session and prevents new ones.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*memorySession, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
	return nil
}

func (b *MemoryBroker) remove(id string) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

type memorySession struct {
	id     string
	broker *MemoryBroker
	props  Properties
	emit   Emitter

	mu        sync.Mutex
	connected bool
	disposed  bool
	topics    map[string]bool

	eventCh chan Event
	done    chan struct{}
}

func (s *memorySession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if s.broker.FailConnect {
		s.enqueue(Event{Kind: EventConnectFailed, Info: "connection refused by memory broker"})
		return nil
	}
	s.connected = true
	s.enqueue(Event{Kind: EventUp})
	return nil
}

func (s *memorySession) Subscribe(topic, correlationKey string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if !s.connected {
		return fmt.Errorf("session not connected")
	}
	if s.broker.RejectTopics[topic] {
		s.enqueue(Event{Kind: EventSubscriptionError, CorrelationKey: correlationKey, Info: "subscription refused"})
		return nil
	}
	s.topics[topic] = true
	s.enqueue(Event{Kind: EventSubscriptionOK, CorrelationKey: correlationKey})
	return nil
}

func (s *memorySession) Unsubscribe(topic, correlationKey string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	if !s.connected {
		return fmt.Errorf("session not connected")
	}
	delete(s.topics, topic)
	s.enqueue(Event{Kind: EventSubscriptionOK, CorrelationKey: correlationKey})
	return nil
}

func (s *memorySession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}
	s.connected = false
	s.topics = make(map[string]bool)
	s.enqueue(Event{Kind: EventDisconnected, Info: "disconnected by client"})
	return nil
}

func (s *memorySession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.connected = false
	close(s.eventCh)
	s.mu.Unlock()

	s.broker.remove(s.id)
}

func (s *memorySession) deliver(topic string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || !s.topics[topic] {
		return
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	s.enqueue(Event{Kind: EventMessage, Message: &Message{
		Topic:      topic,
		Payload:    body,
		Metadata:   map[string]string{"Session": s.id},
		ReceivedAt: time.Now().UTC(),
	}})
}

func (s *memorySession) lose(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return
	}
	s.connected = false
	s.topics = make(map[string]bool)
	s.enqueue(Event{Kind: EventDisconnected, Info: reason})
}

// enqueue must be called with s.mu held.
func (s *memorySession) enqueue(ev Event) {
	if s.disposed {
		return
	}
	s.eventCh <- ev
}

// dispatch forwards queued events to the emitter in order.
func (s *memorySession) dispatch() {
	defer close(s.done)

	for ev := range s.eventCh {
		s.emit(ev)
	}
}
