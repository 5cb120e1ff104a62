package dyson

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stephens/dyson-bridge/internal/log"
)

// MessageHandler receives raw payloads for a subscribed topic
type MessageHandler func(topic string, payload []byte) error

// Transport carries messages between the proxy and the appliance
type Transport interface {
	Subscribe(topic string, handler MessageHandler) error
	Publish(topic string, payload []byte) error
	Close() error
}

// Device MQTT connection constants
const (
	// Dyson devices only honour QoS 1
	deviceQoS = 1

	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
)

// MQTTOptions configures a connection to a device's local broker. The
// device serial is the username and the local credential the password.
type MQTTOptions struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxReconnect   time.Duration
}

// MQTTTransport is a Transport over the device's built-in MQTT broker.
// Subscriptions are restored after a reconnect.
type MQTTTransport struct {
	client pahomqtt.Client
	logger *log.Logger

	subMu         sync.RWMutex
	subscriptions map[string]MessageHandler
}

// DialMQTT connects to a device broker
func DialMQTT(opts MQTTOptions) (*MQTTTransport, error) {
	t := &MQTTTransport{
		logger:        log.WithField("device", opts.Username),
		subscriptions: make(map[string]MessageHandler),
	}

	clientOpts := pahomqtt.NewClientOptions()
	clientOpts.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port))
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetCleanSession(true)
	clientOpts.SetOrderMatters(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(opts.MaxReconnect)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.SetKeepAlive(opts.KeepAlive)

	clientOpts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		t.logger.Debug("MQTT connected to %s:%d", opts.Host, opts.Port)
		t.restoreSubscriptions()
	})
	clientOpts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.logger.Warn("MQTT connection lost: %v", err)
	})

	t.client = pahomqtt.NewClient(clientOpts)
	token := t.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		t.client.Disconnect(defaultDisconnectQuiesce)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		t.client.Disconnect(defaultDisconnectQuiesce)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return t, nil
}

// Subscribe registers handler for topic
func (t *MQTTTransport) Subscribe(topic string, handler MessageHandler) error {
	t.subMu.Lock()
	t.subscriptions[topic] = handler
	t.subMu.Unlock()

	token := t.client.Subscribe(topic, deviceQoS, t.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		t.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		t.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Publish sends payload to topic
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	if !t.client.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, deviceQoS, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects from the device
func (t *MQTTTransport) Close() error {
	if t.client == nil {
		return nil
	}
	t.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

func (t *MQTTTransport) forget(topic string) {
	t.subMu.Lock()
	delete(t.subscriptions, topic)
	t.subMu.Unlock()
}

func (t *MQTTTransport) restoreSubscriptions() {
	t.subMu.RLock()
	defer t.subMu.RUnlock()

	for topic, handler := range t.subscriptions {
		t.client.Subscribe(topic, deviceQoS, t.wrapHandler(handler))
	}
}

// wrapHandler adapts a MessageHandler to paho with panic recovery
func (t *MQTTTransport) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("MQTT handler panic on %s: %v", msg.Topic(), r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			t.logger.Warn("MQTT handler error on %s: %v", msg.Topic(), err)
		}
	}
}
