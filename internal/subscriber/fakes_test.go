package subscriber

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/darkden-lab/argus/relay/internal/broker"
)

const testTopic = "services/blogService"

// callLog records session calls across every session a factory builds.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

// fakeSession is a scripted broker.Session. With autoAck set it answers
// every request with the success event the real broker would send.
type fakeSession struct {
	log  *callLog
	emit broker.Emitter

	autoAck        bool
	connectErr     error
	subscribeErr   error
	unsubscribeErr error
	disconnectErr  error

	mu       sync.Mutex
	keys     []string
	disposed bool
}

func (s *fakeSession) Connect() error {
	s.log.add("connect")
	if s.connectErr != nil {
		return s.connectErr
	}
	if s.autoAck {
		s.emit(broker.Event{Kind: broker.EventUp})
	}
	return nil
}

func (s *fakeSession) Subscribe(topic, key string, _ time.Duration) error {
	s.log.add("subscribe")
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.addKey(key)
	if s.autoAck {
		s.emit(broker.Event{Kind: broker.EventSubscriptionOK, CorrelationKey: key})
	}
	return nil
}

func (s *fakeSession) Unsubscribe(topic, key string, _ time.Duration) error {
	s.log.add("unsubscribe")
	if s.unsubscribeErr != nil {
		return s.unsubscribeErr
	}
	s.addKey(key)
	if s.autoAck {
		s.emit(broker.Event{Kind: broker.EventSubscriptionOK, CorrelationKey: key})
	}
	return nil
}

func (s *fakeSession) Disconnect() error {
	s.log.add("disconnect")
	if s.disconnectErr != nil {
		return s.disconnectErr
	}
	if s.autoAck {
		s.emit(broker.Event{Kind: broker.EventDisconnected, Info: "disconnected by client"})
	}
	return nil
}

func (s *fakeSession) Dispose() {
	s.log.add("dispose")
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

func (s *fakeSession) addKey(key string) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
}

func (s *fakeSession) lastKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return ""
	}
	return s.keys[len(s.keys)-1]
}

func (s *fakeSession) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// fakeFactory builds fakeSessions and counts constructions.
type fakeFactory struct {
	log       *callLog
	configure func(*fakeSession)
	failNext  int

	mu       sync.Mutex
	sessions []*fakeSession
	props    []broker.Properties
}

func newFakeFactory(configure func(*fakeSession)) *fakeFactory {
	return &fakeFactory{log: &callLog{}, configure: configure}
}

func (f *fakeFactory) build(props broker.Properties, emit broker.Emitter) (broker.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("cannot build session")
	}
	s := &fakeSession{log: f.log, emit: emit}
	if f.configure != nil {
		f.configure(s)
	}
	f.sessions = append(f.sessions, s)
	f.props = append(f.props, props)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

// fakeRelay collects enqueued messages.
type fakeRelay struct {
	mu   sync.Mutex
	msgs []*broker.Message
	err  error
}

func (r *fakeRelay) Enqueue(msg *broker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// syncBuffer is a goroutine safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t       *testing.T
	c       *Controller
	factory *fakeFactory
	logs    *syncBuffer
	cancel  context.CancelFunc
	runErr  chan error
}

func newHarness(t *testing.T, factory *fakeFactory, relay Relay, cfg Config) *harness {
	t.Helper()

	if cfg.Topic == "" {
		cfg.Topic = testTopic
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 200 * time.Millisecond
	}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:       t,
		c:       New(cfg, factory.build, relay, logger, nil),
		factory: factory,
		logs:    logs,
		cancel:  cancel,
		runErr:  make(chan error, 1),
	}
	go func() { h.runErr <- h.c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) waitFor(desc string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s; status=%+v calls=%v", desc, h.c.Status(), h.factory.log.snapshot())
}

func (h *harness) waitState(conn ConnectionState, sub SubscriptionState) {
	h.t.Helper()
	h.waitFor(conn.String()+"/"+sub.String(), func() bool {
		st := h.c.Status()
		return st.Connection == conn && st.Subscription == sub
	})
}

// subscribed drives the first session to Subscribed by hand.
func (h *harness) subscribed() *fakeSession {
	h.t.Helper()
	h.waitFor("session", func() bool { return h.factory.count() == 1 })
	s := h.factory.session(0)
	s.emit(broker.Event{Kind: broker.EventUp})
	h.waitFor("subscribe request", func() bool { return s.lastKey() != "" })
	s.emit(broker.Event{Kind: broker.EventSubscriptionOK, CorrelationKey: s.lastKey()})
	h.waitState(Connected, Subscribed)
	return s
}
