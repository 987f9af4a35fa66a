package core

import (
	"context"

	"github.com/care/parking/internal/emitter"
)

// Bus publishes to and subscribes on the message broker
type Bus interface {
	// Connect establishes connection to the broker
	Connect(ctx context.Context) error
	// Publish publishes a message to a topic
	Publish(topic string, payload []byte, qos byte, retained bool) error
	// Subscribe delivers messages on topic to handler
	Subscribe(topic string, qos byte, handler emitter.MessageHandler) error
	// Unsubscribe removes a subscription
	Unsubscribe(topic string) error
	// Disconnect closes the connection
	Disconnect() error
	// IsConnected reports the current connection state
	IsConnected() bool
}
