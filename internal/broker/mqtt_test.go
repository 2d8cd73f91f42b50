package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is a pre-completed (or never completing) mqtt.Token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

// fakeMQTTClient implements mqtt.Client and drives the option callbacks.
type fakeMQTTClient struct {
	opts *mqtt.ClientOptions

	mu            sync.Mutex
	connected     bool
	connectErr    error
	subscribeTok  mqtt.Token
	handler       mqtt.MessageHandler
	unsubscribed  []string
	disconnectCnt int
}

func (c *fakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeMQTTClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return completedToken(c.connectErr)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	go c.opts.OnConnect(c)
	return completedToken(nil)
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnectCnt++
}

func (c *fakeMQTTClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return completedToken(nil)
}

func (c *fakeMQTTClient) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	if c.subscribeTok != nil {
		return c.subscribeTok
	}
	return completedToken(nil)
}

func (c *fakeMQTTClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return completedToken(nil)
}

func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return completedToken(nil)
}

func (c *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// fakeMessage implements mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 42 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestMQTTSession(t *testing.T, client *fakeMQTTClient, rec *recorder) *MQTTSession {
	t.Helper()
	s, err := newMQTTSession(Properties{
		URL:      "tcp://localhost:1883",
		Username: "user",
		Password: "secret",
		ClientID: "relay-test",
	}, rec.emit, func(o *mqtt.ClientOptions) mqtt.Client {
		client.opts = o
		return client
	})
	if err != nil {
		t.Fatalf("newMQTTSession failed: %v", err)
	}
	return s
}

func TestMQTTSession_Options(t *testing.T) {
	client := &fakeMQTTClient{}
	newTestMQTTSession(t, client, newRecorder())

	if client.opts.AutoReconnect {
		t.Error("expected auto reconnect to be disabled")
	}
	if client.opts.Username != "user" || client.opts.Password != "secret" {
		t.Errorf("credentials not applied: %q/%q", client.opts.Username, client.opts.Password)
	}
	if client.opts.ClientID != "relay-test" {
		t.Errorf("expected client id relay-test, got %q", client.opts.ClientID)
	}
	if len(client.opts.Servers) != 1 || client.opts.Servers[0].Host != "localhost:1883" {
		t.Errorf("unexpected servers: %v", client.opts.Servers)
	}
}

func TestMQTTSession_RequiresURL(t *testing.T) {
	if _, err := NewMQTTSession(Properties{}, func(Event) {}); err == nil {
		t.Error("expected error for missing url")
	}
}

func TestMQTTSession_ConnectSubscribeReceive(t *testing.T) {
	client := &fakeMQTTClient{}
	rec := newRecorder()
	s := newTestMQTTSession(t, client, rec)
	defer s.Dispose()

	if err := s.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitFor(t, 1)

	if err := s.Subscribe("services/blogService", "k1", time.Second); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	rec.waitFor(t, 2)

	client.mu.Lock()
	handler := client.handler
	client.mu.Unlock()
	handler(client, &fakeMessage{topic: "services/blogService", payload: []byte("hello")})

	events := rec.waitFor(t, 3)
	if events[0].Kind != EventUp {
		t.Errorf("expected up, got %s", events[0].Kind)
	}
	if events[1].Kind != EventSubscriptionOK || events[1].CorrelationKey != "k1" {
		t.Errorf("expected subscription_ok for k1, got %s %q", events[1].Kind, events[1].CorrelationKey)
	}
	msg := events[2].Message
	if msg == nil || msg.Text() != "hello" {
		t.Fatalf("expected message 'hello', got %+v", msg)
	}
	if msg.Metadata["Message Id"] != "42" {
		t.Errorf("expected message id metadata 42, got %q", msg.Metadata["Message Id"])
	}
}

func TestMQTTSession_ConnectFailed(t *testing.T) {
	client := &fakeMQTTClient{connectErr: errors.New("not Authorized")}
	rec := newRecorder()
	s := newTestMQTTSession(t, client, rec)
	defer s.Dispose()

	if err := s.Connect(); err != nil {
		t.Fatalf("connect returned error: %v", err)
	}
	events := rec.waitFor(t, 1)
	if events[0].Kind != EventConnectFailed {
		t.Fatalf("expected connect_failed, got %s", events[0].Kind)
	}
	if events[0].Info != "not Authorized" {
		t.Errorf("expected info 'not Authorized', got %q", events[0].Info)
	}
}

func TestMQTTSession_SubscribeTimeout(t *testing.T) {
	client := &fakeMQTTClient{subscribeTok: pendingToken()}
	rec := newRecorder()
	s := newTestMQTTSession(t, client, rec)
	defer s.Dispose()

	s.Connect()
	rec.waitFor(t, 1)

	if err := s.Subscribe("t", "slow", 20*time.Millisecond); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	events := rec.waitFor(t, 2)
	if events[1].Kind != EventSubscriptionError || events[1].CorrelationKey != "slow" {
		t.Errorf("expected subscription_error for slow, got %s %q", events[1].Kind, events[1].CorrelationKey)
	}
}

func TestMQTTSession_SubscribeNotConnected(t *testing.T) {
	client := &fakeMQTTClient{}
	s := newTestMQTTSession(t, client, newRecorder())
	defer s.Dispose()

	if err := s.Subscribe("t", "k", time.Second); err == nil {
		t.Error("expected error subscribing while not connected")
	}
}

func TestMQTTSession_UnsubscribeAndDisconnect(t *testing.T) {
	client := &fakeMQTTClient{}
	rec := newRecorder()
	s := newTestMQTTSession(t, client, rec)
	defer s.Dispose()

	s.Connect()
	rec.waitFor(t, 1)
	s.Subscribe("t", "k1", time.Second)
	rec.waitFor(t, 2)

	if err := s.Unsubscribe("t", "k2", time.Second); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	rec.waitFor(t, 3)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	events := rec.waitFor(t, 4)

	if events[2].Kind != EventSubscriptionOK || events[2].CorrelationKey != "k2" {
		t.Errorf("expected subscription_ok for k2, got %s %q", events[2].Kind, events[2].CorrelationKey)
	}
	if events[3].Kind != EventDisconnected {
		t.Errorf("expected disconnected, got %s", events[3].Kind)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.unsubscribed) != 1 || client.unsubscribed[0] != "t" {
		t.Errorf("expected unsubscribe of t, got %v", client.unsubscribed)
	}
	if client.disconnectCnt != 1 {
		t.Errorf("expected 1 disconnect, got %d", client.disconnectCnt)
	}
}

func TestMQTTSession_ConnectionLost(t *testing.T) {
	client := &fakeMQTTClient{}
	rec := newRecorder()
	s := newTestMQTTSession(t, client, rec)
	defer s.Dispose()

	client.opts.OnConnectionLost(client, errors.New("EOF"))
	events := rec.waitFor(t, 1)
	if events[0].Kind != EventDisconnected || events[0].Info != "EOF" {
		t.Errorf("expected disconnected with EOF, got %s %q", events[0].Kind, events[0].Info)
	}
}

func TestMQTTSession_DisposeSilencesEvents(t *testing.T) {
	client := &fakeMQTTClient{}
	rec := newRecorder()
	s := newTestMQTTSession(t, client, rec)

	s.Dispose()
	client.opts.OnConnectionLost(client, errors.New("EOF"))

	if err := s.Connect(); err != ErrDisposed {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 0 {
		t.Errorf("expected no events after dispose, got %d", len(rec.events))
	}
}
