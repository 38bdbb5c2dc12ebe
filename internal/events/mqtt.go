package events

import (
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient is the subset of the paho client used by the bridge.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// ForwardedEvents are the event types the bridge sends to the broker.
var ForwardedEvents = []string{
	EventOperationEnqueued,
	EventOperationApplied,
	EventOperationFailed,
	EventOperationEvicted,
	EventConnectivity,
	EventQueueCleared,
}

// MQTTBridge republishes bus events on <prefix>/events/<type>.
// Connectivity changes are retained so a new subscriber sees the current state.
type MQTTBridge struct {
	client  MQTTClient
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zerolog.Logger
}

// NewMQTTBridge builds a bridge backed by a real paho client.
func NewMQTTBridge(cfg config.MQTTConfig, logger *zerolog.Logger) *MQTTBridge {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)

	b := NewMQTTBridgeWithClient(nil, cfg, logger)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	b.client = mqtt.NewClient(opts)
	return b
}

// NewMQTTBridgeWithClient builds a bridge over an existing client.
func NewMQTTBridgeWithClient(client MQTTClient, cfg config.MQTTConfig, logger *zerolog.Logger) *MQTTBridge {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTBridge{
		client:  client,
		prefix:  strings.TrimRight(cfg.TopicPrefix, "/"),
		qos:     byte(cfg.QoS),
		timeout: timeout,
		logger:  logger,
	}
}

// Connect blocks until the broker accepts the session or the timeout passes.
func (b *MQTTBridge) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt connect: timed out after %s", b.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.logger.Info().Str("prefix", b.prefix).Msg("mqtt bridge connected")
	return nil
}

// Topic returns the broker topic for an event type.
func (b *MQTTBridge) Topic(eventType string) string {
	return b.prefix + "/events/" + eventType
}

// Attach subscribes the bridge to every forwarded event type.
func (b *MQTTBridge) Attach(bus *EventBus) {
	for _, eventType := range ForwardedEvents {
		bus.Subscribe(eventType, b.forward)
	}
}

// forward hands the event to the client and confirms delivery off the publisher's goroutine.
func (b *MQTTBridge) forward(ev *Event) error {
	if !b.client.IsConnected() {
		b.logger.Debug().Str("event", ev.Type).Msg("mqtt offline, event not forwarded")
		return nil
	}

	topic := b.Topic(ev.Type)
	token := b.client.Publish(topic, b.qos, ev.Type == EventConnectivity, ev.Payload)
	go func() {
		if !token.WaitTimeout(b.timeout) {
			b.logger.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
	return nil
}

// Close disconnects, allowing in-flight publishes up to 250ms.
func (b *MQTTBridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}
