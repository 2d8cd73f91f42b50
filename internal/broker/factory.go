package broker

import (
	"fmt"
	"strings"
)

// Supported broker kinds.
const (
	KindMQTT   = "mqtt"
	KindKafka  = "kafka"
	KindMemory = "memory"
)

// NewFactory returns the session Factory for kind. The memory kind attaches
// to a fresh MemoryBroker that nothing else publishes to, which is only
// useful for local dry runs.
func NewFactory(kind string) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindMQTT:
		return NewMQTTSession, nil
	case KindKafka:
		return NewKafkaSession, nil
	case KindMemory:
		return NewMemoryBroker().Factory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
