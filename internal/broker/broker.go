package broker

import (
	"errors"
	"time"
)

// ErrUnknownKind is returned by NewFactory for an unsupported broker kind.
var ErrUnknownKind = errors.New("broker: unknown kind")

// ErrDisposed is returned by session operations after Dispose.
var ErrDisposed = errors.New("broker: session disposed")

// Properties holds what is needed to open a broker session.
type Properties struct {
	URL      string
	VPN      string // message VPN or namespace; the Kafka adapter uses it as the consumer group
	Username string
	Password string
	ClientID string
}

// Session is a connection to a publish/subscribe broker. All operations are
// asynchronous: a nil error only means the request was issued, and the outcome
// arrives later through the Emitter passed to the Factory.
type Session interface {
	// Connect opens the transport. Emits EventUp or EventConnectFailed.
	Connect() error

	// Subscribe adds a subscription for topic. Emits EventSubscriptionOK or
	// EventSubscriptionError carrying correlationKey, within timeout.
	Subscribe(topic, correlationKey string, timeout time.Duration) error

	// Unsubscribe removes the subscription for topic. Same events as Subscribe.
	Unsubscribe(topic, correlationKey string, timeout time.Duration) error

	// Disconnect tears down the transport. Emits EventDisconnected.
	Disconnect() error

	// Dispose releases every resource held by the session. It emits nothing
	// and is safe to call more than once.
	Dispose()
}

// Emitter receives session events. Adapters call it from their own goroutines,
// one event at a time, in the order the events were observed.
type Emitter func(Event)

// Factory constructs a Session that reports to emit.
type Factory func(props Properties, emit Emitter) (Session, error)
