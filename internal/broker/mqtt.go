package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesce        = 250 // milliseconds
)

// MQTTSession implements Session with the Eclipse Paho MQTT client. Automatic
// reconnect is disabled: a lost connection is reported once as
// EventDisconnected and the owner decides what to do next.
type MQTTSession struct {
	client mqtt.Client
	emit   Emitter
	log    *slog.Logger

	mu       sync.Mutex
	disposed bool
	emitMu   sync.Mutex
}

// NewMQTTSession is a Factory for MQTT sessions.
func NewMQTTSession(props Properties, emit Emitter) (Session, error) {
	return newMQTTSession(props, emit, mqtt.NewClient)
}

func newMQTTSession(props Properties, emit Emitter, newClient func(*mqtt.ClientOptions) mqtt.Client) (*MQTTSession, error) {
	if props.URL == "" {
		return nil, fmt.Errorf("broker url is required")
	}

	s := &MQTTSession{
		emit: emit,
		log:  slog.Default().With("component", "mqtt"),
	}
	if props.VPN != "" {
		s.log.Debug("message VPN is selected by the listener for MQTT, ignoring", "vpn", props.VPN)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(props.URL).
		SetClientID(props.ClientID).
		SetUsername(props.Username).
		SetPassword(props.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			s.send(Event{Kind: EventUp})
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			info := "connection lost"
			if err != nil {
				info = err.Error()
			}
			s.send(Event{Kind: EventDisconnected, Info: info})
		})

	s.client = newClient(opts)
	return s, nil
}

func (s *MQTTSession) Connect() error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	token := s.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.send(Event{Kind: EventConnectFailed, Info: err.Error()})
		}
	}()
	return nil
}

func (s *MQTTSession) Subscribe(topic, correlationKey string, timeout time.Duration) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if !s.client.IsConnected() {
		return fmt.Errorf("session not connected")
	}

	token := s.client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.send(Event{Kind: EventMessage, Message: convertMQTTMessage(msg)})
	})
	go s.awaitAck(token, topic, correlationKey, timeout)
	return nil
}

func (s *MQTTSession) Unsubscribe(topic, correlationKey string, timeout time.Duration) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if !s.client.IsConnected() {
		return fmt.Errorf("session not connected")
	}

	token := s.client.Unsubscribe(topic)
	go s.awaitAck(token, topic, correlationKey, timeout)
	return nil
}

func (s *MQTTSession) Disconnect() error {
	if err := s.checkUsable(); err != nil {
		return err
	}

	go func() {
		// Paho does not invoke the connection lost handler for a client
		// initiated disconnect.
		s.client.Disconnect(mqttQuiesce)
		s.send(Event{Kind: EventDisconnected, Info: "disconnected by client"})
	}()
	return nil
}

func (s *MQTTSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	s.disposed = true
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(0)
	}
}

func (s *MQTTSession) awaitAck(token mqtt.Token, topic, correlationKey string, timeout time.Duration) {
	if !token.WaitTimeout(timeout) {
		s.send(Event{
			Kind:           EventSubscriptionError,
			CorrelationKey: correlationKey,
			Info:           fmt.Sprintf("no acknowledgment within %s", timeout),
		})
		return
	}
	if err := ackError(token, topic); err != nil {
		s.send(Event{Kind: EventSubscriptionError, CorrelationKey: correlationKey, Info: err.Error()})
		return
	}
	s.send(Event{Kind: EventSubscriptionOK, CorrelationKey: correlationKey})
}

func ackError(token mqtt.Token, topic string) error {
	if err := token.Error(); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subackFailure {
			return errors.New("subscription refused by broker")
		}
	}
	return nil
}

func (s *MQTTSession) checkUsable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	return nil
}

func (s *MQTTSession) send(ev Event) {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emit(ev)
}

func convertMQTTMessage(msg mqtt.Message) *Message {
	return &Message{
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
		Metadata: map[string]string{
			"Message Id":  strconv.Itoa(int(msg.MessageID())),
			"QoS":         strconv.Itoa(int(msg.Qos())),
			"Retained":    strconv.FormatBool(msg.Retained()),
			"Redelivered": strconv.FormatBool(msg.Duplicate()),
		},
		ReceivedAt: time.Now().UTC(),
	}
}
