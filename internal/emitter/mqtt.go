package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/parking/internal/config"
)

// MessageHandler receives a message delivered on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// MQTTEmitter publishes to and subscribes on the MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client

	mu            sync.RWMutex
	published     map[string]uint64 // count per topic
	received      map[string]uint64
	errors        uint64
	connected     bool
	subscriptions map[string]subscription
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Received  map[string]uint64
	Errors    uint64
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:           cfg,
		published:     make(map[string]uint64),
		received:      make(map[string]uint64),
		subscriptions: make(map[string]subscription),
	}
}

// brokerURL adds the tcp scheme when the broker is given as host:port
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		subs := make(map[string]subscription, len(e.subscriptions))
		for topic, sub := range e.subscriptions {
			subs[topic] = sub
		}
		e.mu.Unlock()

		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
			"auto_reconnect", "enabled")

		// Clean sessions drop subscriptions across reconnects
		for topic, sub := range subs {
			token := c.Subscribe(topic, sub.qos, e.wrap(sub.handler))
			go func(topic string) {
				if !token.WaitTimeout(5 * time.Second) {
					slog.Warn("mqtt resubscribe timeout", "topic", topic)
					return
				}
				if err := token.Error(); err != nil {
					slog.Error("mqtt resubscribe failed", "topic", topic, "error", err)
				}
			}(topic)
		}
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
			"max_retry_interval", "30s",
			"action", "waiting for automatic reconnection")
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection aborted: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// Publish publishes payload to topic
func (e *MQTTEmitter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !e.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	// Update stats
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("message published",
		"topic", topic,
		"qos", qos,
		"retained", retained,
		"size", len(payload),
	)

	return nil
}

// Subscribe registers handler for topic. The subscription is restored
// after every reconnect.
func (e *MQTTEmitter) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if e.Client == nil {
		return fmt.Errorf("mqtt not connected")
	}

	e.mu.Lock()
	e.subscriptions[topic] = subscription{qos: qos, handler: handler}
	e.mu.Unlock()

	slog.Info("subscribing", "topic", topic, "qos", qos)

	token := e.Client.Subscribe(topic, qos, e.wrap(handler))
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription timeout: %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscription failed: %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic
func (e *MQTTEmitter) Unsubscribe(topic string) error {
	e.mu.Lock()
	delete(e.subscriptions, topic)
	e.mu.Unlock()

	if e.Client == nil || !e.Client.IsConnected() {
		return nil
	}
	token := e.Client.Unsubscribe(topic)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("unsubscribe timeout: %s", topic)
	}
	return token.Error()
}

func (e *MQTTEmitter) wrap(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		e.mu.Lock()
		e.received[msg.Topic()]++
		e.mu.Unlock()
		handler(msg.Topic(), msg.Payload())
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	received := make(map[string]uint64, len(e.received))
	for k, v := range e.received {
		received[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Received:  received,
		Errors:    e.errors,
	}
}

// IsConnected returns connection status
func (e *MQTTEmitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
