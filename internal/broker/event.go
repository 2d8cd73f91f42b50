package broker

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EventKind identifies a session event.
type EventKind int

const (
	EventUp EventKind = iota
	EventConnectFailed
	EventDisconnected
	EventSubscriptionOK
	EventSubscriptionError
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventUp:
		return "up"
	case EventConnectFailed:
		return "connect_failed"
	case EventDisconnected:
		return "disconnected"
	case EventSubscriptionOK:
		return "subscription_ok"
	case EventSubscriptionError:
		return "subscription_error"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a lifecycle or message notification from a Session.
type Event struct {
	Kind EventKind

	// CorrelationKey is set for EventSubscriptionOK and EventSubscriptionError.
	CorrelationKey string

	// Info carries diagnostic detail for failures and disconnects.
	Info string

	// Message is set for EventMessage.
	Message *Message
}

// Message is a raw message received on a subscribed topic.
type Message struct {
	Topic      string
	Payload    []byte
	Metadata   map[string]string
	ReceivedAt time.Time
}

// Text returns the payload as a string.
func (m *Message) Text() string {
	return string(m.Payload)
}

// Dump renders a human readable diagnostic view of the message.
func (m *Message) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Destination:         Topic '%s'\n", m.Topic)
	if !m.ReceivedAt.IsZero() {
		fmt.Fprintf(&sb, "Received At:         %s\n", m.ReceivedAt.UTC().Format(time.RFC3339Nano))
	}

	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%-20s %s\n", k+":", m.Metadata[k])
	}

	fmt.Fprintf(&sb, "Binary Attachment:   len=%d", len(m.Payload))
	return sb.String()
}
