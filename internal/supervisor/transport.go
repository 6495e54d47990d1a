package supervisor

import (
	"github.com/icsia/device-core/internal/infrastructure/mqtt"
)

// Transport is the broker connection the supervisor manages. It is satisfied
// by *mqtt.Client; tests substitute an in-memory implementation.
//
// A Transport performs single-shot operations only. It must not reconnect,
// replay subscriptions, or queue publishes on its own.
type Transport interface {
	// Connect performs one connection attempt.
	Connect() error

	// Disconnect closes the connection. Safe when already disconnected.
	Disconnect()

	// IsConnected reports the current connection state.
	IsConnected() bool

	// Publish sends one message and waits for the QoS acknowledgment.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a topic filter. Repeat calls for the same filter
	// must no-op.
	Subscribe(filter string, qos byte) error

	// SetOnConnect registers a callback fired after each successful Connect.
	SetOnConnect(callback func())

	// SetOnDisconnect registers a callback fired when the connection drops.
	SetOnDisconnect(callback func(err error))

	// SetMessageHandler registers the sink for all inbound messages. props
	// carries MQTT v5 message properties when the transport has them; nil
	// otherwise.
	SetMessageHandler(handler func(topic string, payload []byte, props mqtt.Properties))
}

// Message is one outbound publish held in the supervisor's queue.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// subscription is one replayed filter registration.
type subscription struct {
	filter string
	qos    byte
}
