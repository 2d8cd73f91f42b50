package subscriber

import "fmt"

// ConnectionState is the transport axis of the controller state machine:
// Idle -> Connecting -> Connected -> Disconnected -> Idle.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SubscriptionState is the subscription axis. Any state other than
// Unsubscribed is only valid while the connection is Connected.
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	SubscribePending
	Subscribed
	UnsubscribePending
)

func (s SubscriptionState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case SubscribePending:
		return "subscribe_pending"
	case Subscribed:
		return "subscribed"
	case UnsubscribePending:
		return "unsubscribe_pending"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int(s))
	}
}

func (s SubscriptionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// intent tells a confirmation handler what the pending request asked for.
type intent int

const (
	intentSubscribe intent = iota
	intentUnsubscribe
)

func (i intent) String() string {
	if i == intentUnsubscribe {
		return "unsubscribe"
	}
	return "subscribe"
}

// Status is a point-in-time view of a Controller, safe to read from any
// goroutine.
type Status struct {
	Topic           string            `json:"topic"`
	Connection      ConnectionState   `json:"connection"`
	Subscription    SubscriptionState `json:"subscription"`
	PendingRequests int               `json:"pending_requests"`
	Running         bool              `json:"running"`
	ShuttingDown    bool              `json:"shutting_down"`
}
