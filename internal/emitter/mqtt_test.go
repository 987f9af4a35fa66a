package emitter

import (
	"testing"

	"github.com/care/parking/internal/config"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":          "tcp://localhost:1883",
		"tcp://broker:1883":       "tcp://broker:1883",
		"ssl://broker.local:8883": "ssl://broker.local:8883",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublishWhenDisconnected(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "localhost:1883"})

	if err := e.Publish("city/parking/free", []byte("{}"), 1, false); err == nil {
		t.Fatal("Expected error publishing while disconnected")
	}
	if err := e.Subscribe("city/parking/reserved", 1, func(string, []byte) {}); err == nil {
		t.Fatal("Expected error subscribing before Connect")
	}

	s := e.Stats()
	if s.Connected || s.Errors != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestWrapCountsAndDelivers(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{})

	var gotTopic string
	var gotPayload []byte
	h := e.wrap(func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, payload
	})

	h(nil, fakeMessage{topic: "city/parking/reserved", payload: []byte(`{"reservationId":1}`)})

	if gotTopic != "city/parking/reserved" || string(gotPayload) != `{"reservationId":1}` {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
	if n := e.Stats().Received["city/parking/reserved"]; n != 1 {
		t.Errorf("Expected 1 received, got %d", n)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{})
	if err := e.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if err := e.Unsubscribe("x"); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
}
