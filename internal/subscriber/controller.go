// Package subscriber drives a broker session through its connect, subscribe,
// receive, unsubscribe and disconnect lifecycle for a single topic, and hands
// every received message to a relay.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/darkden-lab/argus/relay/internal/broker"
	"github.com/darkden-lab/argus/relay/internal/metrics"
)

var (
	// ErrNotRunning is returned by controller operations when Run is not
	// executing.
	ErrNotRunning = errors.New("subscriber: controller not running")
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("subscriber: controller already started")

	errSubscriptionWithoutConnection = errors.New("subscription state requires a connected session")
)

const (
	DefaultSubscribeTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second

	eventBuffer = 64
)

// Relay accepts received messages for delivery. It must not block for long:
// the controller calls it from its event loop.
type Relay interface {
	Enqueue(msg *broker.Message) error
}

// Config describes the subscription a Controller maintains.
type Config struct {
	Topic      string
	Properties broker.Properties

	// SubscribeTimeout bounds each subscribe and unsubscribe acknowledgment.
	SubscribeTimeout time.Duration
	// ShutdownTimeout bounds the acknowledgment-driven shutdown sequence.
	// When it expires the session is disconnected and disposed regardless.
	ShutdownTimeout time.Duration

	// OnStatus, if set, is called from the event loop after every status
	// change. It must not block.
	OnStatus func(Status)
}

type pendingRequest struct {
	intent   intent
	topic    string
	issuedAt time.Time
}

type sessionEvent struct {
	generation uint64
	event      broker.Event
}

type shutdownProgress struct {
	unsubscribeIssued bool
	disconnectIssued  bool
	timer             *time.Timer
	done              bool
}

// Controller owns at most one broker session. Every state change happens on
// the goroutine executing Run; public methods are forwarded to it.
type Controller struct {
	cfg     Config
	factory broker.Factory
	relay   Relay
	logger  *slog.Logger
	metrics *metrics.Metrics

	events   chan sessionEvent
	commands chan func()
	started  atomic.Bool
	stopped  chan struct{}

	// Owned by the Run goroutine.
	session     broker.Session
	sessionDone chan struct{}
	generation  uint64
	conn        ConnectionState
	sub         SubscriptionState
	pending     map[string]pendingRequest
	shutdown    *shutdownProgress

	statusMu sync.RWMutex
	status   Status
}

// New creates a Controller. Sessions are built with factory when Run or
// Connect is called.
func New(cfg Config, factory broker.Factory, relay Relay, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:      cfg,
		factory:  factory,
		relay:    relay,
		logger:   logger.With("component", "subscriber"),
		metrics:  m,
		events:   make(chan sessionEvent, eventBuffer),
		commands: make(chan func()),
		stopped:  make(chan struct{}),
		pending:  make(map[string]pendingRequest),
	}
	c.status = Status{Topic: cfg.Topic}
	return c
}

// Run connects to the broker and processes session events until the
// shutdown sequence completes. Cancelling ctx starts that sequence; Run
// returns nil once the session is released.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(c.stopped)
	c.setRunning(true)
	defer c.setRunning(false)

	c.connect()

	ctxDone := ctx.Done()
	for {
		var timeout <-chan time.Time
		if c.shutdown != nil {
			timeout = c.shutdown.timer.C
		}

		select {
		case <-ctxDone:
			ctxDone = nil
			c.beginShutdown()
		case se := <-c.events:
			c.handle(se)
		case cmd := <-c.commands:
			cmd()
		case <-timeout:
			c.forceShutdown()
		}

		if c.shutdown != nil && c.shutdown.done {
			c.shutdown.timer.Stop()
			c.logger.Info("Shutdown complete")
			return nil
		}
	}
}

// Connect opens a broker session unless one is already connecting or
// connected.
func (c *Controller) Connect() error { return c.exec(c.connect) }

// Subscribe requests the subscription on the connected session.
func (c *Controller) Subscribe() error { return c.exec(c.subscribe) }

// Unsubscribe requests removal of the active subscription.
func (c *Controller) Unsubscribe() error { return c.exec(c.unsubscribe) }

// Disconnect asks the session to tear down its transport. The session is
// released when the broker reports the disconnect.
func (c *Controller) Disconnect() error {
	return c.exec(func() { _ = c.disconnect() })
}

// Shutdown starts the shutdown sequence and waits for Run to finish or ctx
// to expire. It returns nil if Run has already finished.
func (c *Controller) Shutdown(ctx context.Context) error {
	select {
	case <-c.stopped:
		return nil
	default:
	}
	if err := c.exec(c.beginShutdown); err != nil {
		return err
	}
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Controller) exec(fn func()) error {
	if !c.started.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case c.commands <- func() { fn(); close(done) }:
	case <-c.stopped:
		return ErrNotRunning
	}
	<-done
	return nil
}

// emitter returns the Emitter for the session of the given generation.
// Events from released sessions are discarded.
func (c *Controller) emitter(generation uint64, released <-chan struct{}) broker.Emitter {
	return func(ev broker.Event) {
		select {
		case c.events <- sessionEvent{generation: generation, event: ev}:
		case <-released:
		case <-c.stopped:
		}
	}
}

func (c *Controller) connect() {
	if c.shutdown != nil {
		c.logger.Warn("Shutting down, not connecting")
		return
	}
	if c.session != nil {
		if c.conn == Connecting || c.conn == Connected {
			c.logger.Info("Already connected")
			return
		}
		c.logger.Info("Replacing unusable session", "state", c.conn.String())
		c.releaseSession()
	}

	c.generation++
	done := make(chan struct{})
	session, err := c.factory(c.cfg.Properties, c.emitter(c.generation, done))
	if err != nil {
		close(done)
		c.logger.Error("Failed to create broker session", "error", err)
		c.setConnection(Idle)
		return
	}
	c.session = session
	c.sessionDone = done
	c.setConnection(Connecting)

	c.logger.Info("Connecting to broker", "url", c.cfg.Properties.URL, "client_id", c.cfg.Properties.ClientID)
	if err := session.Connect(); err != nil {
		c.logger.Error("Failed to connect to broker", "error", err)
		c.releaseSession()
		c.setConnection(Idle)
	}
}

func (c *Controller) subscribe() {
	if c.session == nil || c.conn != Connected {
		c.logger.Warn("Cannot subscribe without a connected session", "topic", c.cfg.Topic, "state", c.conn.String())
		return
	}
	switch c.sub {
	case Subscribed:
		c.logger.Info("Already subscribed to topic", "topic", c.cfg.Topic)
		return
	case SubscribePending:
		c.logger.Info("Subscribe request already in progress", "topic", c.cfg.Topic)
		return
	case UnsubscribePending:
		c.logger.Info("Unsubscribe request in progress, not subscribing", "topic", c.cfg.Topic)
		return
	}

	key := c.track(intentSubscribe)
	if err := c.setSubscription(SubscribePending); err != nil {
		delete(c.pending, key)
		c.publishStatus()
		c.logger.Error("Cannot subscribe to topic", "topic", c.cfg.Topic, "error", err)
		return
	}

	c.logger.Info("Subscribing to topic", "topic", c.cfg.Topic, "correlation_key", key)
	if err := c.session.Subscribe(c.cfg.Topic, key, c.cfg.SubscribeTimeout); err != nil {
		delete(c.pending, key)
		c.setSubscription(Unsubscribed)
		c.logger.Error("Cannot subscribe to topic", "topic", c.cfg.Topic, "correlation_key", key, "error", err)
	}
}

func (c *Controller) unsubscribe() {
	if c.session == nil || c.sub != Subscribed {
		c.logger.Info("Not subscribed to topic", "topic", c.cfg.Topic, "state", c.sub.String())
		return
	}

	key := c.track(intentUnsubscribe)
	c.setSubscription(UnsubscribePending)

	c.logger.Info("Unsubscribing from topic", "topic", c.cfg.Topic, "correlation_key", key)
	if err := c.session.Unsubscribe(c.cfg.Topic, key, c.cfg.SubscribeTimeout); err != nil {
		delete(c.pending, key)
		c.setSubscription(Subscribed)
		c.logger.Error("Cannot unsubscribe from topic", "topic", c.cfg.Topic, "correlation_key", key, "error", err)
	}
}

func (c *Controller) disconnect() error {
	if c.session == nil {
		c.logger.Info("Not connected")
		return nil
	}
	c.logger.Info("Disconnecting")
	if err := c.session.Disconnect(); err != nil {
		c.logger.Error("Failed to disconnect", "error", err)
		return err
	}
	return nil
}

// track records a pending request and returns its correlation key.
func (c *Controller) track(i intent) string {
	key := uuid.NewString()
	c.pending[key] = pendingRequest{intent: i, topic: c.cfg.Topic, issuedAt: time.Now()}
	c.publishStatus()
	return key
}

func (c *Controller) handle(se sessionEvent) {
	ev := se.event
	if c.session == nil || se.generation != c.generation {
		c.logger.Debug("Ignoring event from released session", "event", ev.Kind.String())
		return
	}
	c.metrics.SessionEvent(ev.Kind.String())

	switch ev.Kind {
	case broker.EventUp:
		c.onUp()
	case broker.EventConnectFailed:
		c.onConnectFailed(ev)
	case broker.EventDisconnected:
		c.onDisconnected(ev)
	case broker.EventSubscriptionOK:
		c.onSubscriptionOK(ev)
	case broker.EventSubscriptionError:
		c.onSubscriptionError(ev)
	case broker.EventMessage:
		c.onMessage(ev)
	default:
		c.logger.Warn("Unhandled session event", "event", ev.Kind.String())
	}

	if c.shutdown != nil {
		c.stepShutdown()
	}
}

func (c *Controller) onUp() {
	c.setConnection(Connected)
	c.logger.Info("Connected to broker", "url", c.cfg.Properties.URL)
	if c.shutdown != nil {
		return
	}
	c.subscribe()
}

func (c *Controller) onConnectFailed(ev broker.Event) {
	c.logger.Error("Connection to broker failed", "url", c.cfg.Properties.URL, "info", ev.Info)
	c.clearPending()
	c.setConnection(Disconnected)
}

func (c *Controller) onDisconnected(ev broker.Event) {
	c.logger.Info("Disconnected from broker", "info", ev.Info)
	c.clearPending()
	c.setConnection(Disconnected)
	c.releaseSession()
	c.setConnection(Idle)
}

func (c *Controller) onSubscriptionOK(ev broker.Event) {
	req, ok := c.pending[ev.CorrelationKey]
	if !ok {
		c.logger.Warn("Confirmation for unknown request", "correlation_key", ev.CorrelationKey)
		return
	}
	delete(c.pending, ev.CorrelationKey)

	switch req.intent {
	case intentSubscribe:
		if err := c.setSubscription(Subscribed); err != nil {
			c.publishStatus()
			c.logger.Error("Cannot mark topic subscribed", "topic", req.topic, "error", err)
			return
		}
		c.logger.Info("Successfully subscribed to topic", "topic", req.topic, "elapsed", time.Since(req.issuedAt))
		c.logger.Info("Ready to receive messages")
	case intentUnsubscribe:
		c.setSubscription(Unsubscribed)
		c.logger.Info("Successfully unsubscribed from topic", "topic", req.topic, "elapsed", time.Since(req.issuedAt))
	}
}

func (c *Controller) onSubscriptionError(ev broker.Event) {
	req, ok := c.pending[ev.CorrelationKey]
	if !ok {
		c.logger.Error("Cannot subscribe to topic", "topic", c.cfg.Topic, "correlation_key", ev.CorrelationKey, "info", ev.Info)
		return
	}
	delete(c.pending, ev.CorrelationKey)

	switch req.intent {
	case intentSubscribe:
		c.logger.Error("Cannot subscribe to topic", "topic", req.topic, "correlation_key", ev.CorrelationKey, "info", ev.Info)
		c.setSubscription(Unsubscribed)
	case intentUnsubscribe:
		c.logger.Error("Cannot unsubscribe from topic", "topic", req.topic, "correlation_key", ev.CorrelationKey, "info", ev.Info)
		if err := c.setSubscription(Subscribed); err != nil {
			c.setSubscription(Unsubscribed)
		}
	}
}

func (c *Controller) onMessage(ev broker.Event) {
	msg := ev.Message
	if msg == nil {
		c.logger.Warn("Message event without a message")
		return
	}
	c.metrics.MessageReceived()
	c.logger.Info("Received message", "topic", msg.Topic, "payload", msg.Text())
	c.logger.Debug("Message dump\n" + msg.Dump())

	if c.relay == nil {
		return
	}
	if err := c.relay.Enqueue(msg); err != nil {
		c.logger.Error("Failed to hand message to relay", "topic", msg.Topic, "error", err)
	}
}

// beginShutdown unsubscribes, waits for the acknowledgment, disconnects and
// waits for the disconnect, each step triggered by the previous event.
func (c *Controller) beginShutdown() {
	if c.shutdown != nil {
		return
	}
	c.logger.Info("Shutting down", "timeout", c.cfg.ShutdownTimeout)
	c.shutdown = &shutdownProgress{timer: time.NewTimer(c.cfg.ShutdownTimeout)}
	c.publishStatus()
	c.stepShutdown()
}

func (c *Controller) stepShutdown() {
	sd := c.shutdown
	if sd.done {
		return
	}

	switch {
	case c.session == nil:
		sd.done = true

	case c.conn != Connected:
		// Nothing to acknowledge on a session that never came up.
		c.releaseSession()
		c.setConnection(Idle)
		sd.done = true

	case c.sub == Subscribed && !sd.unsubscribeIssued && !sd.disconnectIssued:
		sd.unsubscribeIssued = true
		c.unsubscribe()
		if c.sub != UnsubscribePending {
			c.stepShutdown()
		}

	case c.sub == UnsubscribePending:
		// Wait for the acknowledgment.

	case !sd.disconnectIssued:
		sd.disconnectIssued = true
		if err := c.disconnect(); err != nil {
			c.releaseSession()
			c.setConnection(Idle)
			sd.done = true
		}
	}
}

func (c *Controller) forceShutdown() {
	c.logger.Warn("Shutdown timed out, forcing disconnect", "timeout", c.cfg.ShutdownTimeout)
	if c.session != nil {
		if err := c.session.Disconnect(); err != nil {
			c.logger.Debug("Forced disconnect failed", "error", err)
		}
		c.clearPending()
		c.releaseSession()
		c.setConnection(Idle)
	}
	c.shutdown.done = true
}

func (c *Controller) releaseSession() {
	if c.session == nil {
		return
	}
	close(c.sessionDone)
	c.session.Dispose()
	c.session = nil
	c.sessionDone = nil
	c.publishStatus()
}

func (c *Controller) clearPending() {
	for k := range c.pending {
		delete(c.pending, k)
	}
	c.publishStatus()
}

// setConnection moves the connection axis. Leaving Connected drops any
// subscription state so no subscription outlives its connection.
func (c *Controller) setConnection(s ConnectionState) {
	c.conn = s
	if s != Connected {
		c.sub = Unsubscribed
	}
	c.publishStatus()
}

// setSubscription refuses any state but Unsubscribed unless connected.
func (c *Controller) setSubscription(s SubscriptionState) error {
	if s != Unsubscribed && c.conn != Connected {
		return fmt.Errorf("%w: %s while %s", errSubscriptionWithoutConnection, s, c.conn)
	}
	c.sub = s
	c.publishStatus()
	return nil
}

func (c *Controller) publishStatus() {
	c.updateStatus(func(st *Status) {
		st.Connection = c.conn
		st.Subscription = c.sub
		st.PendingRequests = len(c.pending)
		st.ShuttingDown = c.shutdown != nil
	})
}

func (c *Controller) setRunning(running bool) {
	c.updateStatus(func(st *Status) { st.Running = running })
}

func (c *Controller) updateStatus(fn func(*Status)) {
	c.statusMu.Lock()
	prev := c.status
	fn(&c.status)
	next := c.status
	c.statusMu.Unlock()

	if next != prev && c.cfg.OnStatus != nil {
		c.cfg.OnStatus(next)
	}
}
