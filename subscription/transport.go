package subscription

import (
	"context"
	"time"
)

// Message is one inbound publication
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Will is the message the broker publishes on our behalf after an ungraceful disconnect
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// ConnectOptions are fixed for the lifetime of one transport connection
type ConnectOptions struct {
	Will *Will
	// OnMessage receives every inbound message of this connection, in arrival order.
	OnMessage func(Message)
	// OnConnectionLost is called at most once when this connection drops.
	OnConnectionLost func(error)
}

// Transport is a single broker session. It must not reconnect on its own;
// the Manager owns reconnection and re-subscription.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Subscribe(ctx context.Context, pattern string, qos byte) error
	Unsubscribe(ctx context.Context, pattern string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Disconnect(quiesce time.Duration)
	IsConnected() bool
}
