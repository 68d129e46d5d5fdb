package messaging

import (
	"context"
	"time"
)

// Transport is the byte-level broker the messaging core runs on
type Transport interface {
	// Connect establishes the broker connection
	Connect(ctx context.Context) error

	// DeclareTopology declares exchanges, queues and bindings. A transport
	// that reconnects must declare them again on the new connection.
	DeclareTopology(ctx context.Context, topology TopologySpec) error

	// Publish sends one message. An unroutable mandatory message is an error.
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// Consume starts delivering messages from queue to handler, with at
	// most prefetch unacknowledged deliveries in flight (0 = unlimited).
	// ctx bounds the subscribe call only; consumption lasts until Close.
	Consume(ctx context.Context, queue string, prefetch int, handler DeliveryHandler) error

	// Close closes all resources
	Close() error
}

// DeliveryHandler receives deliveries from a consumed queue
type DeliveryHandler func(ctx context.Context, delivery Delivery)

// Delivery represents a message delivery from the transport
type Delivery interface {
	// Body returns the message body
	Body() []byte

	// Type returns the message type property
	Type() string

	// Exchange returns the exchange the message was published to
	Exchange() string

	// RoutingKey returns the routing key the message was published with
	RoutingKey() string

	// ContentType returns the content type property
	ContentType() string

	// Timestamp returns the publish timestamp property
	Timestamp() time.Time

	// Acknowledge removes the message from the queue
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}

// Publishing is an outgoing message
type Publishing struct {
	MessageID   string
	Type        string
	ContentType string
	Body        []byte
	Expiration  time.Duration // zero means no expiry
	Timestamp   time.Time
	Mandatory   bool
}

// ExchangeOptions defines an exchange declaration
type ExchangeOptions struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueOptions defines a queue declaration
type QueueOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Prefetch   int // 0 = unlimited
}

// QueueBinding binds a queue to an exchange
type QueueBinding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// TopologySpec is the full set of broker entities a service needs
type TopologySpec struct {
	Exchanges []ExchangeOptions
	Queues    []QueueOptions
	Bindings  []QueueBinding
}
